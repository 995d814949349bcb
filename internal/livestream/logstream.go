// Package livestream implements the two push-only broadcast endpoints
// (C9): a live log stream fed by the primary tailer, and a live telemetry
// stream fed by the sampler. Both are fan-out-only: peers never drive
// server behavior beyond the telemetry stream's two request/reply commands.
package livestream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/internal/tailer"
	"github.com/hostsentry/agent/pkg/metrics"
)

const writeDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type logMessage struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Timestamp string `json:"timestamp"`
	Log       string `json:"log"`
}

// LogServer broadcasts every tailer-emitted line of the primary log source
// to every connected peer. It implements tailer.Sink so it can be wired
// directly as (one of) a tailer's sinks.
type LogServer struct {
	nodeID string
	logger *slog.Logger
	metric *metrics.LivestreamMetrics

	active int32 // atomic bool, 1 = accepting connections and broadcasting

	mu    sync.Mutex
	peers map[*websocket.Conn]bool
}

// NewLogServer builds a LogServer for nodeID's primary log source. It
// starts active: the control surface can later start/stop it.
func NewLogServer(nodeID string, logger *slog.Logger, reg *metrics.Registry) *LogServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LogServer{nodeID: nodeID, logger: logger, peers: make(map[*websocket.Conn]bool), active: 1}
	if reg != nil {
		s.metric = reg.Livestream()
	}
	return s
}

// SetActive toggles whether new connections are accepted and broadcasts
// delivered, per the control surface's start_livelogs/stop_livelogs command.
func (s *LogServer) SetActive(active bool) {
	var v int32
	if active {
		v = 1
	}
	atomic.StoreInt32(&s.active, v)
}

// Active reports whether the server is currently accepting connections.
func (s *LogServer) Active() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// ServeHTTP upgrades the connection and registers the peer. No messages
// from the peer are interpreted; the read loop only exists to detect the
// connection closing.
func (s *LogServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.Active() {
		http.Error(w, "live log stream is stopped", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("livestream: log stream upgrade failed", "error", err)
		return
	}
	s.register(conn)
	go s.watchForClose(conn)
}

func (s *LogServer) register(conn *websocket.Conn) {
	s.mu.Lock()
	s.peers[conn] = true
	n := len(s.peers)
	s.mu.Unlock()
	if s.metric != nil {
		s.metric.PeersActive.WithLabelValues("log").Set(float64(n))
	}
}

func (s *LogServer) deregister(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.peers[conn]; ok {
		delete(s.peers, conn)
		conn.Close()
	}
	n := len(s.peers)
	s.mu.Unlock()
	if s.metric != nil {
		s.metric.PeersActive.WithLabelValues("log").Set(float64(n))
	}
}

func (s *LogServer) watchForClose(conn *websocket.Conn) {
	defer s.deregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Accept implements tailer.Sink: every emitted line is broadcast to every
// registered peer.
func (s *LogServer) Accept(ctx context.Context, line tailer.Line) {
	s.Broadcast(line.Event)
}

// Broadcast sends event as a live_log message to every connected peer. A
// send error closes and deregisters that peer; it never affects the
// others. The peer set is copied under lock and the lock released before
// any network I/O.
func (s *LogServer) Broadcast(event model.LogEvent) {
	if !s.Active() {
		return
	}
	msg := logMessage{
		Type:      "live_log",
		NodeID:    s.nodeID,
		Timestamp: event.SourceTimestamp,
		Log:       event.Line,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("livestream: marshal live_log message", "error", err)
		return
	}

	s.mu.Lock()
	peers := make([]*websocket.Conn, 0, len(s.peers))
	for c := range s.peers {
		peers = append(peers, c)
	}
	s.mu.Unlock()

	for _, conn := range peers {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			if s.metric != nil {
				s.metric.SendErrors.WithLabelValues("log").Inc()
			}
			s.deregister(conn)
			continue
		}
		if s.metric != nil {
			s.metric.MessagesSent.WithLabelValues("log").Inc()
		}
	}
}

// PeerCount returns the number of currently registered peers.
func (s *LogServer) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects every peer.
func (s *LogServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.peers {
		c.Close()
	}
	s.peers = make(map[*websocket.Conn]bool)
}
