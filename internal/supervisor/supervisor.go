// Package supervisor implements the Supervisor/Control component (C10):
// the process that owns startup, wires every other subsystem together,
// exposes the local control HTTP surface, and drives graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hostsentry/agent/internal/alert"
	"github.com/hostsentry/agent/internal/config"
	"github.com/hostsentry/agent/internal/livestream"
	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/internal/poster"
	"github.com/hostsentry/agent/internal/publisher"
	"github.com/hostsentry/agent/internal/queue"
	"github.com/hostsentry/agent/internal/sampler"
	"github.com/hostsentry/agent/internal/suppression"
	"github.com/hostsentry/agent/internal/tailer"
	"github.com/hostsentry/agent/pkg/metrics"
)

// autoMonitorSourceID is the fixed id of the always-present LogSource that
// tails the agent's own log file. It can never be removed or disabled
// through the control API.
const autoMonitorSourceID = "auto-monitor"

// ServiceName and ServiceVersion are reported on the health endpoint.
const (
	ServiceName    = "hostsentry-agent"
	ServiceVersion = "0.1.0"
)

// sourceWorker bundles one running tailer with the cancel func for its
// goroutine and the LogSource it was built from.
type sourceWorker struct {
	source *model.LogSource
	tailer *tailer.Tailer
	cancel context.CancelFunc
}

// Supervisor owns every long-running subsystem and the control HTTP
// surface. A single Supervisor is built once per process from a loaded
// config.Store and driven through Start/Shutdown.
type Supervisor struct {
	store  *config.Store
	nodeID string
	logger *slog.Logger
	reg    *metrics.Registry

	cfgMu sync.RWMutex
	cfg   *config.Config

	classifier *tailer.Classifier
	matcher    *suppression.Matcher
	ruleStore  suppression.RuleStore
	pub        *publisher.Publisher
	samp       *sampler.Sampler
	engine     *alert.Engine
	q          *queue.Queue
	post       *poster.Poster
	logStream  *livestream.LogServer
	teleStream *livestream.TelemetryServer
	history    *processRecorder

	sourcesMu sync.Mutex
	workers   map[string]*sourceWorker

	httpServer    *http.Server
	logStreamSrv  *http.Server
	teleStreamSrv *http.Server

	startedAt time.Time

	wg        sync.WaitGroup
	runCancel context.CancelFunc
}

// New builds a Supervisor from store's current configuration. It opens the
// Telemetry Queue and the Suppression rule store, both of which can fail
// fatally (unopenable storage aborts startup, per the configuration-fatal
// / transient-I/O split in the error taxonomy).
func New(ctx context.Context, store *config.Store, logger *slog.Logger, reg *metrics.Registry) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	cfg, err := store.Unmarshal()
	if err != nil {
		return nil, fmt.Errorf("supervisor: unmarshal config: %w", err)
	}
	if cfg.App.NodeID == "" {
		return nil, fmt.Errorf("supervisor: app.node_id is required")
	}

	q, err := queue.Open(ctx, cfg.Queue.DatabasePath, cfg.Queue.MaxSize, reg)
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening telemetry queue: %w", err)
	}

	ruleStore, err := suppression.NewSQLiteRuleStore(ctx, cfg.Suppression.DatabasePath)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("supervisor: opening suppression rule store: %w", err)
	}

	s := &Supervisor{
		store:      store,
		nodeID:     cfg.App.NodeID,
		logger:     logger,
		reg:        reg,
		cfg:        cfg,
		classifier: tailer.NewClassifier(cfg.Monitoring),
		matcher:    suppression.New(ruleStore, cfg.Suppression.CacheTTL, logger, reg),
		ruleStore:  ruleStore,
		pub:        publisher.New(cfg.Bus.URL, cfg.Bus.QueueName, ServiceName, logger, reg),
		samp:       sampler.New(cfg.App.NodeID, cfg.App.MachineUUID, cfg.Sampler.Interval, logger, reg),
		q:          q,
		workers:    make(map[string]*sourceWorker),
		history:    newProcessRecorder(24 * time.Hour),
	}

	ticketURL := cfg.Backend.BaseURL + "/api/alerts/create"
	s.engine = alert.New(buildAlertRules(cfg.Alert), ticketURL, cfg.Backend.BearerToken, cfg.App.NodeID, logger, reg)

	s.post = poster.New(s.q, poster.Config{
		Endpoint:       cfg.Backend.BaseURL + "/api/telemetry/snapshot",
		BearerToken:    cfg.Backend.BearerToken,
		Interval:       cfg.Poster.Interval,
		BatchSize:      cfg.Poster.BatchSize,
		RequestTimeout: cfg.Poster.RequestTimeout,
		MaxRetries:     cfg.Poster.MaxRetries,
		BackoffSeries:  cfg.Poster.BackoffSeries,
	}, logger, reg)

	s.logStream = livestream.NewLogServer(cfg.App.NodeID, logger, reg)
	s.teleStream = livestream.NewTelemetryServer(cfg.App.NodeID, cfg.Livestream.BroadcastInterval, s.sampleNow, logger, reg)

	s.samp.SetConsumers(s.teleStream, s.q, &alertFanout{engine: s.engine, history: s.history})

	return s, nil
}

func (s *Supervisor) sampleNow() model.MetricSnapshot {
	return s.samp.Sample(context.Background())
}

// Start launches every worker and the control HTTP surface. It does not
// block; callers wait on ctx's cancellation and then call Shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.startedAt = time.Now()

	cfg := s.currentConfig()

	for _, src := range buildLogSources(cfg) {
		src := src
		s.startSourceWorker(runCtx, &src)
	}

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.samp.Run(runCtx) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.post.Run(runCtx) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.runHeartbeat(runCtx, cfg) }()

	s.logStreamSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Livestream.LogPort),
		Handler: s.logStream,
	}
	s.teleStreamSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Livestream.TelemetryPort),
		Handler: s.teleStream,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.logStreamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("supervisor: log livestream server failed", "error", err)
		}
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.teleStreamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("supervisor: telemetry livestream server failed", "error", err)
		}
	}()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.buildRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("supervisor: control server failed", "error", err)
		}
	}()

	return nil
}

// startSourceWorker builds and launches a tailer for src, registering it
// under s.workers. The auto-monitor source additionally broadcasts
// accepted lines to the live log stream, per the "follows the primary log
// file" requirement on the log livestream endpoint.
func (s *Supervisor) startSourceWorker(ctx context.Context, src *model.LogSource) {
	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()

	if _, exists := s.workers[src.ID]; exists {
		return
	}

	sink := &pipelineSink{
		matcher:   s.matcher,
		publisher: s.pub,
		nodeID:    s.nodeID,
		logger:    s.logger,
	}
	if src.AutoMonitor {
		sink.livestream = s.logStream
	}

	t := tailer.New(src, s.classifier, sink, s.nodeID, s.logger, s.reg)
	workerCtx, cancel := context.WithCancel(ctx)
	s.workers[src.ID] = &sourceWorker{source: src, tailer: t, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.Run(workerCtx)
	}()
}

// stopSourceWorker cancels and unregisters the worker for sourceID. The
// caller must have already verified the source isn't the auto-monitor one.
func (s *Supervisor) stopSourceWorker(sourceID string) bool {
	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()

	w, ok := s.workers[sourceID]
	if !ok {
		return false
	}
	w.cancel()
	delete(s.workers, sourceID)
	return true
}

// Shutdown signals every worker to stop, waits for them (bounded by cfg's
// graceful shutdown timeout), and releases the queue and rule store.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.runCancel != nil {
		s.runCancel()
	}

	timeout := s.currentConfig().Server.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("supervisor: control server shutdown", "error", err)
		}
	}
	if s.logStreamSrv != nil {
		if err := s.logStreamSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("supervisor: log livestream server shutdown", "error", err)
		}
	}
	if s.teleStreamSrv != nil {
		if err := s.teleStreamSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("supervisor: telemetry livestream server shutdown", "error", err)
		}
	}
	s.logStream.Close()
	s.teleStream.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("supervisor: graceful shutdown timed out, proceeding with teardown")
	}

	if err := s.pub.Close(); err != nil {
		s.logger.Warn("supervisor: publisher close", "error", err)
	}
	if err := s.ruleStore.Close(); err != nil {
		s.logger.Warn("supervisor: rule store close", "error", err)
	}
	if err := s.q.Close(); err != nil {
		s.logger.Warn("supervisor: queue close", "error", err)
	}
	return nil
}

func (s *Supervisor) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}
