package poster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/agent/internal/queue"
)

type fakeQueue struct {
	mu      sync.Mutex
	entries []queue.Entry
	sent    []int64
	failed  map[int64]int
}

func newFakeQueue(entries ...queue.Entry) *fakeQueue {
	return &fakeQueue{entries: entries, failed: make(map[int64]int)}
}

func (f *fakeQueue) Dequeue(ctx context.Context, limit int) ([]queue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	out := make([]queue.Entry, limit)
	copy(out, f.entries[:limit])
	return out, nil
}

func (f *fakeQueue) MarkSent(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	f.removeLocked(id)
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, id int64, maxRetries int, backoff time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id]++
	if f.failed[id] > maxRetries {
		f.removeLocked(id)
	}
	return nil
}

func (f *fakeQueue) removeLocked(id int64) {
	out := f.entries[:0]
	for _, e := range f.entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	f.entries = out
}

func TestRunOnce_MarksSentOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newFakeQueue(queue.Entry{ID: 1, Payload: []byte(`{"a":1}`)})
	p := New(q, Config{Endpoint: srv.URL}, nil, nil)
	p.RunOnce(context.Background())

	assert.Equal(t, []int64{1}, q.sent)
}

func TestRunOnce_MarksSentOn4xxWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	q := newFakeQueue(queue.Entry{ID: 7, Payload: []byte(`{}`)})
	p := New(q, Config{Endpoint: srv.URL}, nil, nil)
	p.RunOnce(context.Background())

	assert.Equal(t, []int64{7}, q.sent)
	assert.Empty(t, q.failed)
}

func TestRunOnce_MarksFailedOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := newFakeQueue(queue.Entry{ID: 3, Payload: []byte(`{}`)})
	p := New(q, Config{Endpoint: srv.URL, MaxRetries: 3}, nil, nil)
	p.RunOnce(context.Background())

	assert.Empty(t, q.sent)
	assert.Equal(t, 1, q.failed[3])
}

func TestRunOnce_MarksFailedOnConnectionRefused(t *testing.T) {
	q := newFakeQueue(queue.Entry{ID: 9, Payload: []byte(`{}`)})
	p := New(q, Config{Endpoint: "http://127.0.0.1:1", RequestTimeout: 200 * time.Millisecond, MaxRetries: 3}, nil, nil)
	p.RunOnce(context.Background())

	assert.Empty(t, q.sent)
	assert.Equal(t, 1, q.failed[9])
}

func TestBackoffFor_FollowsConfiguredSeriesThenHoldsLast(t *testing.T) {
	p := New(newFakeQueue(), Config{BackoffSeries: []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}}, nil, nil)

	assert.Equal(t, 5*time.Second, p.backoffFor(0))
	assert.Equal(t, 15*time.Second, p.backoffFor(1))
	assert.Equal(t, 60*time.Second, p.backoffFor(2))
	assert.Equal(t, 60*time.Second, p.backoffFor(5))
}

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(newFakeQueue(), Config{}, nil, nil)
	assert.Equal(t, 60*time.Second, p.interval)
	assert.Equal(t, 10, p.batchSize)
	assert.Equal(t, 10*time.Second, p.requestTimeout)
	assert.Equal(t, 3, p.maxRetries)
	require.Len(t, p.backoffSeries, 3)
}
