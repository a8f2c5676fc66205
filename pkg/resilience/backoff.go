// Package resilience provides the backoff arithmetic shared by the retrying
// HTTP client, a generic context-aware retry loop for internal side effects
// (journal writes, event publishing) and a timeout wrapper for bounded calls.
package resilience

import (
	"math"
	"time"

	"github.com/sowbridge/sowbridge/pkg/clock"
)

// BackoffPolicy describes an exponential backoff: the n-th delay is
// Base * Multiplier^n clamped to Cap. Jitter in [0, JitterRange) is added
// after clamping, so Cap bounds only the deterministic component.
type BackoffPolicy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	JitterRange time.Duration
}

// DefaultBackoff mirrors the provider guidance: start at 2s, double, cap at 60s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        2 * time.Second,
		Multiplier:  2.0,
		Cap:         60 * time.Second,
		JitterRange: 500 * time.Millisecond,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	defaults := DefaultBackoff()
	if p.Base <= 0 {
		p.Base = defaults.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.Cap <= 0 {
		p.Cap = defaults.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.JitterRange < 0 {
		p.JitterRange = 0
	}
	return p
}

// Delay returns the deterministic delay for the n-th consecutive failure
// (n starts at 0).
func (p BackoffPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 0 {
		n = 0
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(n))
	if d >= float64(p.Cap) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.Cap
	}
	return time.Duration(d)
}

// WithJitter returns Delay(n) plus a jitter drawn from j.
func (p BackoffPolicy) WithJitter(n int, j clock.Jitter) time.Duration {
	return p.Delay(n) + p.Jitter(j)
}

// Jitter draws a jitter in [0, JitterRange).
func (p BackoffPolicy) Jitter(j clock.Jitter) time.Duration {
	if j == nil || p.JitterRange <= 0 {
		return 0
	}
	return j.Jitter(p.JitterRange)
}
