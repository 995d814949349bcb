package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, maxSize int) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(context.Background(), path, maxSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeue_OldestFirst(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()

	id1, err := q.EnqueueCtx(ctx, []byte("first"))
	require.NoError(t, err)
	id2, err := q.EnqueueCtx(ctx, []byte("second"))
	require.NoError(t, err)
	assert.Less(t, id1, id2)

	entries, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", string(entries[0].Payload))
	assert.Equal(t, "second", string(entries[1].Payload))
}

func TestEnqueue_DropsOldestWhenAtCapacity(t *testing.T) {
	q := openTestQueue(t, 2)
	ctx := context.Background()

	_, err := q.EnqueueCtx(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = q.EnqueueCtx(ctx, []byte("b"))
	require.NoError(t, err)
	_, err = q.EnqueueCtx(ctx, []byte("c"))
	require.NoError(t, err)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	entries, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", string(entries[0].Payload))
	assert.Equal(t, "c", string(entries[1].Payload))
}

func TestMarkSent_RemovesEntry(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()

	id, err := q.EnqueueCtx(ctx, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, q.MarkSent(ctx, id))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestMarkFailed_IncrementsRetryAndRetainsUnderThreshold(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()

	id, err := q.EnqueueCtx(ctx, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, id, 3, time.Hour))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestMarkFailed_RemovesEntryAfterExceedingMaxRetries(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()

	id, err := q.EnqueueCtx(ctx, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, id, 1, 0))
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	require.NoError(t, q.MarkFailed(ctx, id, 1, 0))
	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestMarkFailed_BackoffDelaysNextDequeue(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()

	id, err := q.EnqueueCtx(ctx, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, id, 3, time.Hour))

	entries, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnqueue_SatisfiesSamplerQueueSinkSignature(t *testing.T) {
	q := openTestQueue(t, 10)
	id, err := q.Enqueue([]byte("bare"))
	require.NoError(t, err)
	assert.Positive(t, id)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q1, err := Open(ctx, path, 10, nil)
	require.NoError(t, err)
	_, err = q1.EnqueueCtx(ctx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	q2, err := Open(ctx, path, 10, nil)
	require.NoError(t, err)
	defer q2.Close()

	entries, err := q2.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "durable", string(entries[0].Payload))
}
