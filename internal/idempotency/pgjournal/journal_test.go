package pgjournal

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sowbridge/sowbridge/internal/idempotency"
)

type execCall struct {
	query string
	args  []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	fail  int
	err   error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{query: query, args: args})
	if f.fail > 0 {
		f.fail--
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) snapshot() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

func TestJournal_WritesRecordsInOrder(t *testing.T) {
	db := &fakeDB{}
	j := New(db, 16)
	j.Start(context.Background())

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.Record(idempotency.Record{Key: "N1:h1", Status: idempotency.StatusInFlight, Generation: "g1", StartedAt: started})
	j.Record(idempotency.Record{Key: "N1:h1", Status: idempotency.StatusCompleted, Generation: "g1", StartedAt: started, FinishedAt: started.Add(time.Minute), Result: "r"})
	j.Close()

	calls := db.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "N1:h1", calls[0].args[0])
	assert.Equal(t, "N1", calls[0].args[1])
	assert.Equal(t, "in_flight", calls[0].args[2])
	assert.Equal(t, sql.NullTime{}, calls[0].args[5])
	assert.Equal(t, "completed", calls[1].args[2])
	assert.Equal(t, sql.NullTime{Time: started.Add(time.Minute), Valid: true}, calls[1].args[5])
}

func TestJournal_RetriesConnectionErrors(t *testing.T) {
	db := &fakeDB{fail: 1, err: &pq.Error{Code: "08006"}}
	j := New(db, 4)
	j.Start(context.Background())
	j.Record(idempotency.Record{Key: "N2:h", Status: idempotency.StatusFailed, Generation: "g"})
	j.Close()

	assert.Len(t, db.snapshot(), 2)
}

func TestJournal_DoesNotRetryConstraintErrors(t *testing.T) {
	db := &fakeDB{fail: 5, err: &pq.Error{Code: "23505"}}
	j := New(db, 4)
	j.Start(context.Background())
	j.Record(idempotency.Record{Key: "N3:h", Status: idempotency.StatusFailed, Generation: "g"})
	j.Close()

	assert.Len(t, db.snapshot(), 1)
}

func TestJournal_RecordNeverBlocks(t *testing.T) {
	j := New(&fakeDB{}, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			j.Record(idempotency.Record{Key: "N:h"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked with a full buffer")
	}
}

func TestJournal_RecordAfterCloseIsDropped(t *testing.T) {
	db := &fakeDB{}
	j := New(db, 4)
	j.Start(context.Background())
	j.Record(idempotency.Record{Key: "N4:h", Status: idempotency.StatusInFlight, Generation: "g"})
	j.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			assert.NotPanics(t, func() {
				j.Record(idempotency.Record{Key: "N4:h", Status: idempotency.StatusCompleted, Generation: "g"})
			})
		})
	}
	wg.Wait()
	assert.NotPanics(t, j.Close)
	assert.Len(t, db.snapshot(), 1)
}

func TestJournal_RecordRacingClose(t *testing.T) {
	j := New(&fakeDB{}, 64)
	j.Start(context.Background())

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for i := 0; i < 200; i++ {
				j.Record(idempotency.Record{Key: "N5:h", Status: idempotency.StatusInFlight, Generation: "g"})
			}
		})
	}
	j.Close()
	wg.Wait()
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&pq.Error{Code: "08001"}))
	assert.True(t, isTransient(&pq.Error{Code: "40001"}))
	assert.False(t, isTransient(&pq.Error{Code: "23505"}))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(errors.New("driver: bad connection")))
}

// TestJournal_Postgres runs against a real database when SB_TEST_POSTGRES_DSN
// is set.
func TestJournal_Postgres(t *testing.T) {
	dsn := os.Getenv("SB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SB_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	j := New(db, 8)
	require.NoError(t, EnsureSchema(ctx, db))
	_, err = db.ExecContext(ctx, "DELETE FROM processing_records WHERE key LIKE 'test-journal:%'")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	j.Start(ctx)
	j.Record(idempotency.Record{Key: "test-journal:h1", Status: idempotency.StatusInFlight, Generation: "g1", StartedAt: now})
	j.Record(idempotency.Record{Key: "test-journal:h1", Status: idempotency.StatusCompleted, Generation: "g1", StartedAt: now, FinishedAt: now, Result: "r1"})
	j.Close()

	records, err := j.LoadCompleted(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	var found bool
	for _, r := range records {
		if r.Key == "test-journal:h1" {
			found = true
			assert.Equal(t, "r1", r.Result)
		}
	}
	assert.True(t, found)
}
