// Package clock supplies time, blocking sleeps and retry jitter to the access
// layer so that timing-sensitive code can be driven by a fake in tests.
package clock

import (
	"context"
	"math/rand/v2"
	"time"
)

// Clock is the time source used by the limiter, retry loop, guard and cache.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Jitter returns a random duration in [0, max).
type Jitter interface {
	Jitter(max time.Duration) time.Duration
}

// Real is the wall-clock implementation.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UniformJitter draws from math/rand/v2, which is safe for concurrent use.
type UniformJitter struct{}

func (UniformJitter) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// NoJitter always returns zero.
type NoJitter struct{}

func (NoJitter) Jitter(time.Duration) time.Duration { return 0 }
