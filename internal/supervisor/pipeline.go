package supervisor

import (
	"context"
	"log/slog"

	"github.com/hostsentry/agent/internal/livestream"
	"github.com/hostsentry/agent/internal/publisher"
	"github.com/hostsentry/agent/internal/suppression"
	"github.com/hostsentry/agent/internal/tailer"
)

// pipelineSink implements tailer.Sink: every accepted line is checked
// against the suppression matcher and, unless suppressed, handed to the
// event publisher. The auto-monitor source's sink additionally carries a
// livestream reference so its lines also reach the live log stream.
type pipelineSink struct {
	matcher    *suppression.Matcher
	publisher  *publisher.Publisher
	nodeID     string
	logger     *slog.Logger
	livestream *livestream.LogServer
}

// Accept implements tailer.Sink.
func (p *pipelineSink) Accept(ctx context.Context, line tailer.Line) {
	event := line.Event

	if suppressed, rule := p.matcher.ShouldSuppress(ctx, event.Line, p.nodeID); suppressed {
		p.logger.Debug("pipeline: line suppressed", "rule_id", rule.ID, "source", event.SourceLabel)
		return
	}

	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Error("pipeline: publish failed, dropping event", "source", event.SourceLabel, "error", err)
		return
	}

	if p.livestream != nil {
		p.livestream.Broadcast(event)
	}
}
