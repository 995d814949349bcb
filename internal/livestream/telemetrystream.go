package livestream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/pkg/metrics"
)

type welcomeMessage struct {
	Type              string  `json:"type"`
	NodeID            string  `json:"node_id"`
	BroadcastInterval float64 `json:"broadcast_interval_seconds"`
}

type snapshotMessage struct {
	Type string               `json:"type"`
	Data model.MetricSnapshot `json:"data"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// SampleFunc triggers an out-of-band sample for the get_metrics command.
type SampleFunc func() model.MetricSnapshot

// TelemetryServer broadcasts every MetricSnapshot to connected peers and
// answers two peer-initiated commands: get_metrics (a private out-of-band
// reply) and ping (pong).
type TelemetryServer struct {
	nodeID            string
	broadcastInterval time.Duration
	sample            SampleFunc
	logger            *slog.Logger
	metric            *metrics.LivestreamMetrics

	active int32 // atomic bool, 1 = accepting connections and broadcasting

	// peers maps each connection to a dedicated write mutex. gorilla/websocket
	// forbids concurrent writers on one *websocket.Conn, and this server has
	// two: the sampler's broadcast fan-out and each peer's own readPump
	// replying to ping/get_metrics. Every write site must go through
	// writeLocked so the two never race.
	mu    sync.Mutex
	peers map[*websocket.Conn]*sync.Mutex
}

// NewTelemetryServer builds a TelemetryServer. sample is called to satisfy
// a get_metrics request with a fresh, out-of-band snapshot.
func NewTelemetryServer(nodeID string, broadcastInterval time.Duration, sample SampleFunc, logger *slog.Logger, reg *metrics.Registry) *TelemetryServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TelemetryServer{
		nodeID:            nodeID,
		broadcastInterval: broadcastInterval,
		sample:            sample,
		logger:            logger,
		peers:             make(map[*websocket.Conn]*sync.Mutex),
		active:            1,
	}
	if reg != nil {
		s.metric = reg.Livestream()
	}
	return s
}

// SetActive toggles whether new connections are accepted and broadcasts
// delivered, per the control surface's start_telemetry/stop_telemetry command.
func (s *TelemetryServer) SetActive(active bool) {
	var v int32
	if active {
		v = 1
	}
	atomic.StoreInt32(&s.active, v)
}

// Active reports whether the server is currently accepting connections.
func (s *TelemetryServer) Active() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// ServeHTTP upgrades the connection, registers the peer, sends the welcome
// message, and starts the read loop that answers ping/get_metrics.
func (s *TelemetryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.Active() {
		http.Error(w, "telemetry stream is stopped", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("livestream: telemetry stream upgrade failed", "error", err)
		return
	}
	s.register(conn)

	welcome := welcomeMessage{Type: "welcome", NodeID: s.nodeID, BroadcastInterval: s.broadcastInterval.Seconds()}
	if body, err := json.Marshal(welcome); err == nil {
		if err := s.writeLocked(conn, websocket.TextMessage, body); err != nil {
			s.deregister(conn)
			return
		}
	}

	go s.readPump(conn)
}

func (s *TelemetryServer) register(conn *websocket.Conn) {
	s.mu.Lock()
	s.peers[conn] = &sync.Mutex{}
	n := len(s.peers)
	s.mu.Unlock()
	if s.metric != nil {
		s.metric.PeersActive.WithLabelValues("telemetry").Set(float64(n))
	}
}

// writeLocked serializes a single write against conn's own mutex so the
// broadcast goroutine and this peer's readPump never call WriteMessage on
// the same conn at once. It reports a benign error if conn was already
// deregistered.
func (s *TelemetryServer) writeLocked(conn *websocket.Conn, messageType int, body []byte) error {
	s.mu.Lock()
	writeMu, ok := s.peers[conn]
	s.mu.Unlock()
	if !ok {
		return websocket.ErrCloseSent
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(messageType, body)
}

func (s *TelemetryServer) deregister(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.peers[conn]; ok {
		delete(s.peers, conn)
		conn.Close()
	}
	n := len(s.peers)
	s.mu.Unlock()
	if s.metric != nil {
		s.metric.PeersActive.WithLabelValues("telemetry").Set(float64(n))
	}
}

type peerCommand struct {
	Command string `json:"command"`
}

func (s *TelemetryServer) readPump(conn *websocket.Conn) {
	defer s.deregister(conn)
	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd peerCommand
		if err := json.Unmarshal(body, &cmd); err != nil {
			continue
		}
		switch cmd.Command {
		case "ping":
			s.replyPong(conn)
		case "get_metrics":
			s.replyMetrics(conn)
		}
	}
}

func (s *TelemetryServer) replyPong(conn *websocket.Conn) {
	body, err := json.Marshal(pongMessage{Type: "pong"})
	if err != nil {
		return
	}
	if err := s.writeLocked(conn, websocket.TextMessage, body); err != nil {
		s.deregister(conn)
	}
}

func (s *TelemetryServer) replyMetrics(conn *websocket.Conn) {
	if s.sample == nil {
		return
	}
	snap := s.sample()
	body, err := json.Marshal(snapshotMessage{Type: "metrics", Data: snap})
	if err != nil {
		return
	}
	if err := s.writeLocked(conn, websocket.TextMessage, body); err != nil {
		s.deregister(conn)
	}
}

// BroadcastSnapshot implements sampler.BroadcastTap: every snapshot is
// pushed to every connected peer.
func (s *TelemetryServer) BroadcastSnapshot(snap model.MetricSnapshot) {
	if !s.Active() {
		return
	}
	body, err := json.Marshal(snapshotMessage{Type: "metrics", Data: snap})
	if err != nil {
		s.logger.Error("livestream: marshal snapshot message", "error", err)
		return
	}

	s.mu.Lock()
	peers := make([]*websocket.Conn, 0, len(s.peers))
	for c := range s.peers {
		peers = append(peers, c)
	}
	s.mu.Unlock()

	for _, conn := range peers {
		if err := s.writeLocked(conn, websocket.TextMessage, body); err != nil {
			if s.metric != nil {
				s.metric.SendErrors.WithLabelValues("telemetry").Inc()
			}
			s.deregister(conn)
			continue
		}
		if s.metric != nil {
			s.metric.MessagesSent.WithLabelValues("telemetry").Inc()
		}
	}
}

// PeerCount returns the number of currently registered peers.
func (s *TelemetryServer) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects every peer.
func (s *TelemetryServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.peers {
		c.Close()
	}
	s.peers = make(map[*websocket.Conn]*sync.Mutex)
}
