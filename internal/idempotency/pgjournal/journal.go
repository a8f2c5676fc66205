// Package pgjournal persists idempotency record transitions to PostgreSQL.
// The journal is an audit trail and a warm-start source for completed
// records; it is not consulted on the hot path and never blocks the guard.
package pgjournal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/sowbridge/sowbridge/internal/idempotency"
	"github.com/sowbridge/sowbridge/pkg/resilience"
)

const schema = `
CREATE TABLE IF NOT EXISTS processing_records (
	key         TEXT PRIMARY KEY,
	work_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	generation  TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	result      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_processing_records_work_id ON processing_records (work_id);
CREATE INDEX IF NOT EXISTS idx_processing_records_status_started ON processing_records (status, started_at);
`

const upsert = `
INSERT INTO processing_records (key, work_id, status, generation, started_at, finished_at, result, error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (key) DO UPDATE SET
	status      = EXCLUDED.status,
	generation  = EXCLUDED.generation,
	started_at  = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	result      = EXCLUDED.result,
	error       = EXCLUDED.error,
	updated_at  = NOW()`

const selectCompleted = `
SELECT key, status, generation, started_at, finished_at, result, error
FROM processing_records
WHERE status = $1 AND started_at > $2
ORDER BY started_at`

// DB is the subset of *sql.DB and *sql.Tx the journal uses.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Journal struct {
	db       DB
	mu       sync.RWMutex
	closed   bool
	recordCh chan idempotency.Record
	done     chan struct{}
	retry    resilience.RetryConfig
	logger   *slog.Logger
}

func New(db DB, bufferSize int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Journal{
		db:       db,
		recordCh: make(chan idempotency.Record, bufferSize),
		done:     make(chan struct{}),
		retry: resilience.RetryConfig{
			MaxAttempts: 3,
			Retryable:   isTransient,
		},
		logger: slog.Default().With("component", "processing-journal"),
	}
}

// EnsureSchema creates the journal table. db may be a *sql.Tx.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating processing_records: %w", err)
	}
	return nil
}

// Record queues r for writing. It drops r when the buffer is full or the
// journal has been closed.
func (j *Journal) Record(r idempotency.Record) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Debug("journal record dropped (closed)", "key", r.Key, "status", r.Status)
		return
	}
	select {
	case j.recordCh <- r:
	default:
		j.logger.Warn("journal record dropped (buffer full)", "key", r.Key, "status", r.Status)
	}
}

func (j *Journal) Start(ctx context.Context) {
	go func() {
		defer close(j.done)
		for {
			select {
			case r, ok := <-j.recordCh:
				if !ok {
					return
				}
				j.write(ctx, r)
			case <-ctx.Done():
				j.drainRemaining()
				return
			}
		}
	}()
	j.logger.Info("processing journal started", "buffer_size", cap(j.recordCh))
}

// Close stops accepting records and waits for queued ones to be written.
// It must only be called after Start. Calling it again is a no-op.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.recordCh)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case r, ok := <-j.recordCh:
			if !ok {
				return
			}
			j.write(ctx, r)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, r idempotency.Record) {
	var finished sql.NullTime
	if !r.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: r.FinishedAt, Valid: true}
	}
	err := resilience.Retry(ctx, "journal upsert", j.retry, func(ctx context.Context) error {
		_, err := j.db.ExecContext(ctx, upsert,
			string(r.Key), r.Key.WorkID(), string(r.Status), r.Generation,
			r.StartedAt, finished, r.Result, r.Error,
		)
		return err
	})
	if err != nil {
		j.logger.Error("failed to journal record", "key", r.Key, "status", r.Status, "error", err)
	}
}

// LoadCompleted returns completed records started after since.
func (j *Journal) LoadCompleted(ctx context.Context, since time.Time) ([]idempotency.Record, error) {
	rows, err := j.db.QueryContext(ctx, selectCompleted, string(idempotency.StatusCompleted), since)
	if err != nil {
		return nil, fmt.Errorf("querying completed records: %w", err)
	}
	defer rows.Close()

	var out []idempotency.Record
	for rows.Next() {
		var (
			r        idempotency.Record
			key      string
			status   string
			finished sql.NullTime
		)
		if err := rows.Scan(&key, &status, &r.Generation, &r.StartedAt, &finished, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning processing record: %w", err)
		}
		r.Key = idempotency.Key(key)
		r.Status = idempotency.Status(status)
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating processing records: %w", err)
	}
	return out, nil
}

// isTransient retries connection-class failures; data and constraint errors
// will not succeed on a second try.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	return !errors.Is(err, context.Canceled)
}
