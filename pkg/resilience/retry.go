package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sowbridge/sowbridge/pkg/clock"
)

// RetryConfig controls Retry. Zero values fall back to defaults.
type RetryConfig struct {
	MaxAttempts int
	Backoff     BackoffPolicy
	Clock       clock.Clock
	Jitter      clock.Jitter
	// Retryable decides whether an error is worth another attempt. Nil means
	// every error is retried.
	Retryable func(error) bool
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff: BackoffPolicy{
			Base:        100 * time.Millisecond,
			Multiplier:  2.0,
			Cap:         10 * time.Second,
			JitterRange: 50 * time.Millisecond,
		},
		Clock:  clock.Real{},
		Jitter: clock.UniformJitter{},
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	defaults := defaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Jitter == nil {
		cfg.Jitter = defaults.Jitter
	}
	logger := slog.Default().With("component", "retry", "operation", name)
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		delay := cfg.Backoff.WithJitter(attempt-1, cfg.Jitter)
		logger.Warn("operation failed, retrying", "attempt", attempt, "max_attempts", cfg.MaxAttempts, "error", lastErr, "next_delay", delay)
		if err := cfg.Clock.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted during backoff: %w", err)
		}
	}
	return fmt.Errorf("all %d attempts failed for %s: %w", cfg.MaxAttempts, name, lastErr)
}
