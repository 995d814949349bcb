package tailer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/agent/internal/model"
)

type collectingSink struct {
	mu    sync.Mutex
	lines []model.LogEvent
}

func (s *collectingSink) Accept(ctx context.Context, line Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line.Event)
}

func (s *collectingSink) snapshot() []model.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LogEvent, len(s.lines))
	copy(out, s.lines)
	return out
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", d)
}

func TestTailer_EmitsAppendedErrorLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("startup ok\n"), 0o644))

	source := &model.LogSource{ID: "1", Path: path, Label: "app", Enabled: true}
	classifier := NewClassifier(testMonitoring())
	sink := &collectingSink{}
	tail := New(source, classifier, sink, "node-a", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tail.Run(ctx)

	waitFor(t, time.Second, func() bool { return tail.State() == StateTailing })

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ERROR: connection refused\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })

	events := sink.snapshot()
	assert.Equal(t, "ERROR: connection refused", events[0].Line)
	assert.Equal(t, model.SeverityError, events[0].Severity)
	assert.Equal(t, model.PriorityHigh, events[0].Priority)
	assert.Equal(t, "node-a", events[0].NodeID)
}

func TestTailer_WaitsForAbsentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "later.log")

	source := &model.LogSource{ID: "1", Path: path, Label: "later", Enabled: true}
	classifier := NewClassifier(testMonitoring())
	sink := &collectingSink{}
	tail := New(source, classifier, sink, "node-a", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tail.Run(ctx)

	waitFor(t, time.Second, func() bool { return tail.State() == StateWaiting })

	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	waitFor(t, 2*time.Second, func() bool { return tail.State() == StateTailing })
}

func TestTailer_DisabledSourceDoesNotEmit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	source := &model.LogSource{ID: "1", Path: path, Label: "app", Enabled: false}
	classifier := NewClassifier(testMonitoring())
	sink := &collectingSink{}
	tail := New(source, classifier, sink, "node-a", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tail.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ERROR: should not be seen\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, sink.snapshot())

	tail.SetEnabled(true)
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 0 })
}

func TestDeriveLabel_FallsBackToBasename(t *testing.T) {
	assert.Equal(t, "hostsentry", DeriveLabel("/var/log/hostsentry.log"))
}
