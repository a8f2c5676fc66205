// Package idempotency prevents the same unit of work from being processed
// twice concurrently and short-circuits work that already completed within a
// retention window.
package idempotency

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sowbridge/sowbridge/pkg/clock"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
	"github.com/sowbridge/sowbridge/pkg/metrics"
)

type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	ReasonInProgress = "already in progress"
	ReasonCompleted  = "already completed"
	ReasonRetry      = "retrying prior failure"
	ReasonNew        = "new work"
)

// Record is the state of one key. Age is measured from StartedAt.
type Record struct {
	Key        Key       `json:"key"`
	Status     Status    `json:"status"`
	Generation string    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Decision struct {
	Proceed     bool
	Reason      string
	PriorResult string
	PriorError  string
	CompletedAt time.Time
}

// Token is returned by Begin and names the exact record generation it
// started. A token from a superseded generation cannot finish the new one.
type Token struct {
	key        Key
	generation string
}

func (t Token) Key() Key { return t.key }

// Journal receives a copy of every record transition. Record is called with
// the key's shard lock held, so it must not block or call back into the Guard.
type Journal interface {
	Record(Record)
}

type Stats struct {
	Total       int     `json:"total_records"`
	InFlight    int     `json:"active_processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

type shard struct {
	mu      sync.Mutex
	records map[Key]*Record
}

// Guard is safe for concurrent use. Keys are spread over a fixed array of
// independently locked shards.
type Guard struct {
	shards    []*shard
	retention time.Duration
	clock     clock.Clock
	journal   Journal
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Guard)

func WithRetention(d time.Duration) Option { return func(g *Guard) { g.retention = d } }
func WithClock(c clock.Clock) Option       { return func(g *Guard) { g.clock = c } }
func WithJournal(j Journal) Option         { return func(g *Guard) { g.journal = j } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithShards sets the number of lock stripes.
func WithShards(n int) Option { return func(g *Guard) { g.shards = make([]*shard, n) } }

func New(opts ...Option) *Guard {
	g := &Guard{
		retention: 24 * time.Hour,
		clock:     clock.Real{},
		logger:    slog.Default().With("component", "idempotency-guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.shards) == 0 {
		g.shards = make([]*shard, 32)
	}
	for i := range g.shards {
		g.shards[i] = &shard{records: make(map[Key]*Record)}
	}
	if g.retention <= 0 {
		g.retention = 24 * time.Hour
	}
	return g
}

func (g *Guard) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

func (g *Guard) expired(r *Record, now time.Time) bool {
	return now.Sub(r.StartedAt) > g.retention
}

// sweepLocked drops expired records from s. The caller holds s.mu.
func (g *Guard) sweepLocked(s *shard, now time.Time) int {
	removed := 0
	for key, r := range s.records {
		if g.expired(r, now) {
			if r.Status == StatusInFlight {
				g.inFlightDelta(-1)
				g.logger.Warn("dropping stale in-flight record", "key", key, "started_at", r.StartedAt)
			}
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// ShouldProcess reports whether work for key should start now.
func (g *Guard) ShouldProcess(key Key) Decision {
	s := g.shardFor(key)
	now := g.clock.Now()

	s.mu.Lock()
	g.sweepLocked(s, now)
	var d Decision
	r, ok := s.records[key]
	switch {
	case !ok:
		d = Decision{Proceed: true, Reason: ReasonNew}
	case r.Status == StatusInFlight:
		d = Decision{Proceed: false, Reason: ReasonInProgress}
	case r.Status == StatusCompleted:
		d = Decision{Proceed: false, Reason: ReasonCompleted, PriorResult: r.Result, CompletedAt: r.FinishedAt}
	default:
		d = Decision{Proceed: true, Reason: ReasonRetry, PriorError: r.Error}
	}
	s.mu.Unlock()

	if g.metrics != nil {
		g.metrics.IdempotencyDecisions.WithLabelValues(d.Reason).Inc()
	}
	g.logger.Debug("processing decision", "key", key, "proceed", d.Proceed, "reason", d.Reason)
	return d
}

// Begin marks key in flight. Exactly one of several concurrent Begin calls
// for the same key succeeds; the rest get ErrDuplicateInFlight. A completed
// record inside the retention window yields ErrAlreadyCompleted. Failed and
// expired records are superseded.
func (g *Guard) Begin(key Key) (Token, error) {
	s := g.shardFor(key)
	now := g.clock.Now()

	s.mu.Lock()
	if r, ok := s.records[key]; ok && g.expired(r, now) {
		if r.Status == StatusInFlight {
			g.inFlightDelta(-1)
		}
		delete(s.records, key)
	}
	if prior, ok := s.records[key]; ok && prior.Status != StatusFailed {
		s.mu.Unlock()
		if prior.Status == StatusInFlight {
			return Token{}, apperrors.NewContractError("begin", string(key), apperrors.ErrDuplicateInFlight)
		}
		return Token{}, apperrors.NewContractError("begin", string(key), apperrors.ErrAlreadyCompleted)
	}
	r := &Record{
		Key:        key,
		Status:     StatusInFlight,
		Generation: uuid.NewString(),
		StartedAt:  now,
	}
	s.records[key] = r
	g.publish(*r)
	s.mu.Unlock()

	g.inFlightDelta(1)
	g.logger.Info("processing started", "key", key, "work_id", key.WorkID())
	return Token{key: key, generation: r.Generation}, nil
}

// Complete marks the token's record completed with a result reference.
func (g *Guard) Complete(t Token, result string) error {
	err := g.finish(t, "complete", func(r *Record) {
		r.Status = StatusCompleted
		r.Result = result
		r.Error = ""
	})
	if err != nil {
		return err
	}
	g.logger.Info("processing completed", "key", t.key, "result_bytes", len(result))
	return nil
}

// Fail marks the token's record failed; a later Begin may retry it.
func (g *Guard) Fail(t Token, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := g.finish(t, "fail", func(r *Record) {
		r.Status = StatusFailed
		r.Error = msg
	})
	if err != nil {
		return err
	}
	g.logger.Error("processing failed", "key", t.key, "error", msg)
	return nil
}

// finish applies a terminal transition and journals it before releasing the
// shard lock, so a racing Begin for the same key is journaled after it.
func (g *Guard) finish(t Token, op string, apply func(*Record)) error {
	if t.key == "" || t.generation == "" {
		return apperrors.NewContractError(op, string(t.key), apperrors.ErrUnknownToken)
	}
	s := g.shardFor(t.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[t.key]
	if !ok || r.Generation != t.generation || r.Status != StatusInFlight {
		return apperrors.NewContractError(op, string(t.key), apperrors.ErrUnknownToken)
	}
	apply(r)
	r.FinishedAt = g.clock.Now()
	g.inFlightDelta(-1)
	g.publish(*r)
	return nil
}

// Sweep removes every expired record and returns how many were dropped.
func (g *Guard) Sweep() int {
	now := g.clock.Now()
	removed := 0
	for _, s := range g.shards {
		s.mu.Lock()
		removed += g.sweepLocked(s, now)
		s.mu.Unlock()
	}
	if removed > 0 {
		g.logger.Info("expired records swept", "removed", removed)
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	g.logger.Info("sweeper started", "interval", interval, "retention", g.retention)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Stats sweeps expired records and counts the rest.
func (g *Guard) Stats() Stats {
	g.Sweep()
	var st Stats
	for _, s := range g.shards {
		s.mu.Lock()
		for _, r := range s.records {
			st.Total++
			switch r.Status {
			case StatusInFlight:
				st.InFlight++
			case StatusCompleted:
				st.Completed++
			case StatusFailed:
				st.Failed++
			}
		}
		s.mu.Unlock()
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total) * 100
	}
	return st
}

// Restore loads completed records, typically read back from the journal at
// startup. Existing keys and expired or non-completed records are skipped.
func (g *Guard) Restore(records []Record) int {
	now := g.clock.Now()
	loaded := 0
	for _, rec := range records {
		if rec.Status != StatusCompleted || g.expired(&rec, now) {
			continue
		}
		s := g.shardFor(rec.Key)
		s.mu.Lock()
		if _, ok := s.records[rec.Key]; !ok {
			r := rec
			s.records[rec.Key] = &r
			loaded++
		}
		s.mu.Unlock()
	}
	if loaded > 0 {
		g.logger.Info("restored completed records", "count", loaded)
	}
	return loaded
}

func (g *Guard) publish(r Record) {
	if g.journal != nil {
		g.journal.Record(r)
	}
}

func (g *Guard) inFlightDelta(d float64) {
	if g.metrics != nil {
		g.metrics.IdempotencyInFlight.Add(d)
	}
}
