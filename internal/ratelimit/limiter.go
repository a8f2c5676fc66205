// Package ratelimit enforces a minimum interval between the starts of
// consecutive calls to the same logical endpoint, and parses the wait hints
// providers attach to rate-limit responses.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sowbridge/sowbridge/pkg/clock"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

// state is the RateLimitState of one endpoint. lastCallAt is the start time
// reserved by the most recent caller, which may lie in the future while that
// caller is still waiting for it.
type state struct {
	mu         sync.Mutex
	interval   time.Duration
	lastCallAt time.Time
	called     bool
}

// Limiter spaces calls per endpoint using reserve-then-call: a caller takes
// the next free start slot under the endpoint's lock, releases the lock and
// sleeps until the slot. Concurrent callers therefore queue on distinct slots
// instead of racing for the same one. Slots are handed out in lock order;
// no fairness is promised.
type Limiter struct {
	clock     clock.Clock
	mu        sync.RWMutex
	intervals map[string]time.Duration
	states    map[string]*state
	logger    *slog.Logger
}

// Reservation is the start slot granted to one call.
type Reservation struct {
	Endpoint string
	Start    time.Time
	Delay    time.Duration
}

// New creates a Limiter driven by c.
func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	return &Limiter{
		clock:     c,
		intervals: make(map[string]time.Duration),
		states:    make(map[string]*state),
		logger:    slog.Default().With("component", "rate-limiter"),
	}
}

// SetInterval configures the minimum interval for endpoint. Endpoints with no
// configured interval are not throttled.
func (l *Limiter) SetInterval(endpoint string, minInterval time.Duration) {
	if minInterval < 0 {
		minInterval = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals[endpoint] = minInterval
	if st, ok := l.states[endpoint]; ok {
		st.mu.Lock()
		st.interval = minInterval
		st.mu.Unlock()
	}
}

// Reserve claims the next start slot for endpoint without sleeping.
func (l *Limiter) Reserve(endpoint string) Reservation {
	st := l.stateFor(endpoint)
	now := l.clock.Now()

	st.mu.Lock()
	start := now
	if st.called {
		if next := st.lastCallAt.Add(st.interval); next.After(start) {
			start = next
		}
	}
	st.lastCallAt = start
	st.called = true
	st.mu.Unlock()

	return Reservation{Endpoint: endpoint, Start: start, Delay: start.Sub(now)}
}

// Wait blocks until the caller may start a call on endpoint and returns how
// long it waited. A reservation abandoned because ctx ended is not handed
// back; later callers keep their spacing relative to it.
func (l *Limiter) Wait(ctx context.Context, endpoint string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: before rate admission on %s: %w", apperrors.ErrDeadlineExceeded, endpoint, err)
	}
	r := l.Reserve(endpoint)
	if r.Delay <= 0 {
		return 0, nil
	}
	l.logger.Debug("respecting min interval", "endpoint", endpoint, "wait", r.Delay)
	if err := l.clock.Sleep(ctx, r.Delay); err != nil {
		return 0, fmt.Errorf("%w: waiting for rate admission on %s: %w", apperrors.ErrDeadlineExceeded, endpoint, err)
	}
	return r.Delay, nil
}

// LastCall reports the most recently reserved start for endpoint.
func (l *Limiter) LastCall(endpoint string) (time.Time, bool) {
	l.mu.RLock()
	st, ok := l.states[endpoint]
	l.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastCallAt, st.called
}

func (l *Limiter) stateFor(endpoint string) *state {
	l.mu.RLock()
	st, ok := l.states[endpoint]
	l.mu.RUnlock()
	if ok {
		return st
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.states[endpoint]; ok {
		return st
	}
	st = &state{interval: l.intervals[endpoint]}
	l.states[endpoint] = st
	return st
}
