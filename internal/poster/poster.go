// Package poster implements the Telemetry Poster (C8): a fixed-interval
// worker that drains the Telemetry Queue over HTTP to the control plane.
package poster

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hostsentry/agent/internal/queue"
	"github.com/hostsentry/agent/pkg/metrics"
)

// defaultBackoffSeries is used when the configured series is empty.
var defaultBackoffSeries = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// QueueStore is the subset of the Telemetry Queue the poster needs.
type QueueStore interface {
	Dequeue(ctx context.Context, limit int) ([]queue.Entry, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, maxRetries int, backoff time.Duration) error
}

// Poster drains the queue on a fixed cadence and posts each entry to the
// control plane's snapshot endpoint.
type Poster struct {
	store          QueueStore
	endpoint       string
	bearerToken    string
	interval       time.Duration
	batchSize      int
	requestTimeout time.Duration
	maxRetries     int
	backoffSeries  []time.Duration

	limiter *rate.Limiter

	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.PosterMetrics
}

// Config bundles Poster construction parameters mirroring config.PosterConfig.
type Config struct {
	Endpoint       string
	BearerToken    string
	Interval       time.Duration
	BatchSize      int
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffSeries  []time.Duration

	// RequestsPerSecond caps how fast a single batch is drained, so a large
	// backlog draining after an outage doesn't slam the snapshot endpoint
	// all at once. <= 0 defaults to 5/s.
	RequestsPerSecond float64
}

// New builds a Poster. Zero-valued fields in cfg fall back to the spec's
// documented defaults (60s interval, batch of 10, 10s timeout, 3 retries,
// backoff series [5s, 15s, 60s]).
func New(store QueueStore, cfg Config, logger *slog.Logger, reg *metrics.Registry) *Poster {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.BackoffSeries) == 0 {
		cfg.BackoffSeries = defaultBackoffSeries
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Poster{
		store:          store,
		endpoint:       cfg.Endpoint,
		bearerToken:    cfg.BearerToken,
		interval:       cfg.Interval,
		batchSize:      cfg.BatchSize,
		requestTimeout: cfg.RequestTimeout,
		maxRetries:     cfg.MaxRetries,
		backoffSeries:  cfg.BackoffSeries,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		client:         &http.Client{Timeout: cfg.RequestTimeout},
		logger:         logger,
	}
	if reg != nil {
		p.metrics = reg.Poster()
	}
	return p
}

// Run drives the poster loop until ctx is canceled.
func (p *Poster) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce dequeues and attempts delivery of one batch. Exported so the
// supervisor and tests can drive a single cycle deterministically.
func (p *Poster) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.BatchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	entries, err := p.store.Dequeue(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("poster: dequeue failed", "error", err)
		return
	}

	for _, e := range entries {
		p.deliver(ctx, e)
	}
}

func (p *Poster) deliver(ctx context.Context, e queue.Entry) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	status, err := p.post(reqCtx, e.Payload)
	switch {
	case err != nil:
		p.retryOrDrop(ctx, e)
	case status >= 200 && status < 300:
		if markErr := p.store.MarkSent(ctx, e.ID); markErr != nil {
			p.logger.Error("poster: mark_sent failed", "id", e.ID, "error", markErr)
		}
		if p.metrics != nil {
			p.metrics.SentTotal.Inc()
		}
	case status >= 400 && status < 500:
		if markErr := p.store.MarkSent(ctx, e.ID); markErr != nil {
			p.logger.Error("poster: mark_sent after structural reject failed", "id", e.ID, "error", markErr)
		}
		p.logger.Warn("poster: entry structurally rejected, dropping", "id", e.ID, "status", status)
		if p.metrics != nil {
			p.metrics.ClientErrTotal.Inc()
		}
	default:
		p.retryOrDrop(ctx, e)
	}
}

func (p *Poster) retryOrDrop(ctx context.Context, e queue.Entry) {
	backoff := p.backoffFor(e.RetryCount)
	if err := p.store.MarkFailed(ctx, e.ID, p.maxRetries, backoff); err != nil {
		p.logger.Error("poster: mark_failed failed", "id", e.ID, "error", err)
	}
	if p.metrics != nil {
		if e.RetryCount+1 > p.maxRetries {
			p.metrics.RetryExhausted.Inc()
		} else {
			p.metrics.ServerErrTotal.Inc()
		}
	}
}

func (p *Poster) backoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(p.backoffSeries) {
		return p.backoffSeries[len(p.backoffSeries)-1]
	}
	return p.backoffSeries[retryCount]
}

// post sends payload and returns the response status code. A non-nil error
// means the request itself failed (connection refused, timeout, DNS), not
// that the server responded with an error status.
func (p *Poster) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("poster: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.bearerToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("poster: request failed: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
