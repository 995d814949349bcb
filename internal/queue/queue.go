// Package queue implements the Telemetry Queue (C7): a persistent, bounded
// FIFO of snapshot payloads awaiting delivery by the Telemetry Poster.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hostsentry/agent/pkg/metrics"
)

// Entry is one durable queue record.
type Entry struct {
	ID         int64
	Payload    []byte
	RetryCount int
	InsertedAt time.Time
}

// Queue is a SQLite-backed, size-bounded FIFO. It is the single source of
// durability for snapshots between the sampler and the poster: entries
// survive process restarts until acknowledged or retry-exhausted.
type Queue struct {
	db      *sql.DB
	maxSize int
	metrics *metrics.QueueMetrics
}

// Open opens (creating if absent) the queue database at path with the
// given maximum size, defaulting to 1000 if maxSize <= 0.
func Open(ctx context.Context, path string, maxSize int, reg *metrics.Registry) (*Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("queue: database path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("queue: invalid path contains '..': %s", path)
	}
	if maxSize <= 0 {
		maxSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("queue: creating directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: ping: %w", err)
	}

	q := &Queue{db: db, maxSize: maxSize}
	if reg != nil {
		q.metrics = reg.Queue()
	}
	if err := q.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0o600)

	if err := q.refreshSizeMetric(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS telemetry_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    payload     BLOB NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    inserted_at INTEGER NOT NULL,
    next_attempt_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_telemetry_queue_id ON telemetry_queue(id);
`
	_, err := q.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("queue: init schema: %w", err)
	}
	return nil
}

// EnqueueCtx inserts payload as the newest entry, returning its id. If the
// queue is already at maxSize, the single oldest entry is deleted first.
func (q *Queue) EnqueueCtx(ctx context.Context, payload []byte) (int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue: count entries: %w", err)
	}

	dropped := false
	if count >= q.maxSize {
		if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry_queue WHERE id = (SELECT id FROM telemetry_queue ORDER BY id ASC LIMIT 1)`); err != nil {
			return 0, fmt.Errorf("queue: drop oldest entry: %w", err)
		}
		dropped = true
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO telemetry_queue (payload, retry_count, inserted_at, next_attempt_at) VALUES (?, 0, ?, 0)`, payload, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("queue: insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: read inserted id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queue: commit: %w", err)
	}

	if q.metrics != nil {
		q.metrics.EnqueuedTotal.Inc()
		if dropped {
			q.metrics.DroppedTotal.Inc()
		}
	}
	_ = q.refreshSizeMetric(ctx)
	return id, nil
}

// Enqueue satisfies sampler.QueueSink for callers without a surrounding
// context, such as the sampler's fan-out.
func (q *Queue) Enqueue(payload []byte) (int64, error) {
	return q.EnqueueCtx(context.Background(), payload)
}

// Dequeue returns up to limit entries whose next_attempt_at has elapsed,
// oldest-first. Rows whose payload fails to scan are treated as corrupt
// and deleted inline rather than returned.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload, retry_count, inserted_at FROM telemetry_queue WHERE next_attempt_at <= ? ORDER BY id ASC LIMIT ?`,
		time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	var corruptIDs []int64
	for rows.Next() {
		var e Entry
		var insertedUnix int64
		if err := rows.Scan(&e.ID, &e.Payload, &e.RetryCount, &insertedUnix); err != nil {
			// id is scanned first, so it is known whenever a later column fails.
			if e.ID != 0 {
				corruptIDs = append(corruptIDs, e.ID)
			}
			continue
		}
		if len(e.Payload) == 0 {
			corruptIDs = append(corruptIDs, e.ID)
			continue
		}
		e.InsertedAt = time.Unix(insertedUnix, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate rows: %w", err)
	}

	for _, id := range corruptIDs {
		q.deleteByID(ctx, id)
		if q.metrics != nil {
			q.metrics.CorruptTotal.Inc()
		}
	}
	return entries, nil
}

// MarkSent removes id. Removal is irreversible.
func (q *Queue) MarkSent(ctx context.Context, id int64) error {
	return q.deleteByID(ctx, id)
}

// MarkFailed increments id's retry count and, if it now exceeds
// maxRetries, removes the entry; otherwise its next_attempt_at is pushed
// out by the caller-supplied backoff.
func (q *Queue) MarkFailed(ctx context.Context, id int64, maxRetries int, backoff time.Duration) error {
	var retryCount int
	if err := q.db.QueryRowContext(ctx, `SELECT retry_count FROM telemetry_queue WHERE id = ?`, id).Scan(&retryCount); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("queue: read retry count for %d: %w", id, err)
	}

	retryCount++
	if retryCount > maxRetries {
		return q.deleteByID(ctx, id)
	}

	nextAttempt := time.Now().Add(backoff).Unix()
	_, err := q.db.ExecContext(ctx, `UPDATE telemetry_queue SET retry_count = ?, next_attempt_at = ? WHERE id = ?`, retryCount, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("queue: update retry state for %d: %w", id, err)
	}
	return nil
}

func (q *Queue) deleteByID(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM telemetry_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: delete entry %d: %w", id, err)
	}
	_ = q.refreshSizeMetric(ctx)
	return nil
}

// Size returns the current number of entries in the queue.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return count, nil
}

func (q *Queue) refreshSizeMetric(ctx context.Context) error {
	if q.metrics == nil {
		return nil
	}
	n, err := q.Size(ctx)
	if err != nil {
		return err
	}
	q.metrics.Size.Set(float64(n))
	return nil
}

// Close releases the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}
