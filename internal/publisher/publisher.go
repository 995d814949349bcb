// Package publisher implements the Event Publisher: best-effort,
// at-least-once delivery of classified log events to a durable message
// bus, plus a fan-out path for critical internal diagnostics.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/pkg/metrics"
)

// wireMessage is the canonical JSON body placed on the bus: a LogEvent plus
// the fields needed to attribute it without a schema registry.
type wireMessage struct {
	model.LogEvent
	System string `json:"system"`
}

// Publisher delivers LogEvents to a durable AMQP queue. The connection is
// created lazily on first publish and reused; a failed publish attempts to
// rebuild the connection exactly once before the event is dropped and the
// failure logged.
type Publisher struct {
	url       string
	queueName string
	system    string
	logger    *slog.Logger
	metrics   *metrics.PublisherMetrics

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New builds a Publisher. No connection is attempted until the first Publish.
func New(url, queueName, system string, logger *slog.Logger, reg *metrics.Registry) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{url: url, queueName: queueName, system: system, logger: logger}
	if reg != nil {
		p.metrics = reg.Publisher()
	}
	return p
}

// Publish delivers event as a persistent message. On failure it rebuilds
// the connection once and retries; if that also fails, the event is
// dropped and the failure logged. The tailer's hot path blocks on at most
// two connection attempts per event: the lazy first dial and one rebuild.
func (p *Publisher) Publish(ctx context.Context, event model.LogEvent) error {
	body, err := json.Marshal(wireMessage{LogEvent: event, System: p.system})
	if err != nil {
		return fmt.Errorf("publisher: marshal event: %w", err)
	}

	if err := p.publishBody(ctx, body); err != nil {
		p.logger.Warn("publisher: publish failed, rebuilding connection", "error", err)
		if p.metrics != nil {
			p.metrics.ReconnectTotal.Inc()
		}
		p.resetConnection()

		if err := p.publishBody(ctx, body); err != nil {
			p.logger.Error("publisher: publish failed after reconnect, dropping event", "error", err)
			if p.metrics != nil {
				p.metrics.FailedTotal.WithLabelValues(string(event.Severity)).Inc()
			}
			return err
		}
	}

	if p.metrics != nil {
		p.metrics.PublishedTotal.WithLabelValues(string(event.Severity)).Inc()
	}
	return nil
}

// PublishDiagnostic forwards a CRITICAL-class agent-internal line through
// the same transport as ordinary events, tagged for the node's own
// diagnostics rather than a monitored source.
func (p *Publisher) PublishDiagnostic(ctx context.Context, nodeID, line string) error {
	return p.Publish(ctx, model.LogEvent{
		SourceTimestamp: time.Now().UTC().Format(time.RFC3339),
		NodeID:          nodeID,
		SourcePath:      "internal",
		SourceLabel:     "agent_diagnostics",
		Line:            line,
		Severity:        model.SeverityCritical,
		Priority:        model.PriorityCritical,
	})
}

func (p *Publisher) publishBody(ctx context.Context, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// channel returns the cached channel, connecting lazily if necessary.
func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		return p.ch, nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("publisher: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("publisher: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("publisher: declare queue: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return ch, nil
}

func (p *Publisher) resetConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close releases the underlying connection, if any.
func (p *Publisher) Close() error {
	p.resetConnection()
	return nil
}
