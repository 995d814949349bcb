// Package tailer implements the per-file Log Tailer: a lazy stream of
// classified lines that follows a growing file from EOF and survives
// rotation and temporary absence.
package tailer

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/pkg/metrics"
)

// State is one point in a tailer's lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateOpen      State = "open"
	StateTailing   State = "tailing"
	StateReopening State = "reopening"
	StateStopped   State = "stopped"
)

// Line is one classified emission handed to a Sink.
type Line struct {
	Event model.LogEvent
}

// Sink receives emitted lines from a running Tailer. Implementations must
// not block for long: the tailer's own read loop waits on the call.
type Sink interface {
	Accept(ctx context.Context, line Line)
}

const pollInterval = 250 * time.Millisecond

// Tailer follows a single LogSource. Enabling/disabling a source never
// stops its goroutine: the loop polls and sleeps while disabled so that
// re-enabling is immediate.
type Tailer struct {
	source     *model.LogSource
	classifier *Classifier
	sink       Sink
	nodeID     string
	logger     *slog.Logger
	metrics    *metrics.TailerMetrics

	enabled int32 // atomic bool, 1 = enabled

	mu    sync.RWMutex
	state State
}

// New builds a Tailer for source. The returned Tailer does not start
// reading until Run is called.
func New(source *model.LogSource, classifier *Classifier, sink Sink, nodeID string, logger *slog.Logger, reg *metrics.Registry) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tailer{
		source:     source,
		classifier: classifier,
		sink:       sink,
		nodeID:     nodeID,
		logger:     logger,
		state:      StateWaiting,
	}
	if reg != nil {
		t.metrics = reg.Tailer()
	}
	t.SetEnabled(source.Enabled)
	return t
}

// SetEnabled toggles the source without stopping the tailer's goroutine.
func (t *Tailer) SetEnabled(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&t.enabled, v)
}

func (t *Tailer) isEnabled() bool {
	return atomic.LoadInt32(&t.enabled) == 1
}

// State returns the tailer's current lifecycle state.
func (t *Tailer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tailer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Run blocks, tailing the source until ctx is cancelled. It never returns
// an error: all I/O failures are logged and retried per the tailer's
// waiting/reopening state machine.
func (t *Tailer) Run(ctx context.Context) {
	defer t.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return
		}
		if !t.isEnabled() {
			if !sleepCtx(ctx, pollInterval) {
				return
			}
			continue
		}

		f, err := t.waitForFile(ctx)
		if err != nil {
			return // ctx cancelled while waiting
		}

		t.setState(StateOpen)
		if err := t.tailOpenFile(ctx, f); err != nil {
			t.logger.Warn("tailer: reopening after read error", "source", t.source.Path, "error", err)
		}
		f.Close()

		if ctx.Err() != nil {
			return
		}
		t.setState(StateReopening)
		if t.metrics != nil {
			t.metrics.ReopenTotal.WithLabelValues(t.source.Label).Inc()
		}
	}
}

// waitForFile blocks until the source's path exists or ctx is cancelled.
func (t *Tailer) waitForFile(ctx context.Context) (*os.File, error) {
	t.setState(StateWaiting)
	for {
		f, err := os.Open(t.source.Path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			t.logger.Error("tailer: error opening source", "source", t.source.Path, "error", err)
		}
		if !sleepCtx(ctx, pollInterval) {
			return nil, ctx.Err()
		}
	}
}

// tailOpenFile seeks to EOF and reads newly appended lines, detecting
// rotation via inode change (re-seek to start) and persistent
// read-returning-empty (re-open the path).
func (t *Tailer) tailOpenFile(ctx context.Context, f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	startIno := inode(info)

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	t.setState(StateTailing)

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(t.source.Path)
	}

	emptyReads := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !t.isEnabled() {
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			emptyReads = 0
			t.handleLine(ctx, trimNewline(line))
		}

		if readErr != nil {
			emptyReads++
			if curInfo, statErr := os.Stat(t.source.Path); statErr == nil {
				if inode(curInfo) != startIno {
					// Rotation: a new file now occupies this path.
					return nil
				}
			} else if os.IsNotExist(statErr) {
				return nil
			}

			if emptyReads >= 40 { // ~10s of persistent empty reads at pollInterval
				return nil
			}
			if !t.waitForMoreData(ctx, watcher) {
				return nil
			}
		}
	}
}

func (t *Tailer) waitForMoreData(ctx context.Context, watcher *fsnotify.Watcher) bool {
	if watcher == nil {
		return sleepCtx(ctx, pollInterval)
	}
	select {
	case <-ctx.Done():
		return false
	case <-watcher.Events:
		return true
	case <-watcher.Errors:
		return sleepCtx(ctx, pollInterval)
	case <-time.After(pollInterval):
		return true
	}
}

func (t *Tailer) handleLine(ctx context.Context, line string) {
	if t.classifier.IsSelfLoop(line) {
		if t.metrics != nil {
			t.metrics.LinesSkipped.WithLabelValues(t.source.Label).Inc()
		}
		return
	}
	if !t.classifier.ShouldEmit(line) {
		if t.metrics != nil {
			t.metrics.LinesSkipped.WithLabelValues(t.source.Label).Inc()
		}
		return
	}

	severity, priority := t.classifier.Classify(line)
	event := model.LogEvent{
		EventID:         uuid.NewString(),
		SourceTimestamp: time.Now().UTC().Format(time.RFC3339),
		NodeID:          t.nodeID,
		SourcePath:      t.source.Path,
		SourceLabel:     t.source.Label,
		Line:            line,
		Severity:        severity,
		Priority:        priority,
	}

	if t.metrics != nil {
		t.metrics.LinesEmitted.WithLabelValues(t.source.Label).Inc()
	}
	if t.sink != nil {
		t.sink.Accept(ctx, Line{Event: event})
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
