package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sowbridge/sowbridge/pkg/clock"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	fake := clock.NewFake(time.Now())
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{
		MaxAttempts: 4,
		Backoff:     BackoffPolicy{Base: time.Second, Multiplier: 2, Cap: time.Minute},
		Clock:       fake,
		Jitter:      clock.NoJitter{},
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fake.Sleeps())
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), "test", RetryConfig{
		MaxAttempts: 5,
		Clock:       clock.NewFake(time.Now()),
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryExhausted(t *testing.T) {
	err := Retry(context.Background(), "test", RetryConfig{
		MaxAttempts: 2,
		Clock:       clock.NewFake(time.Now()),
	}, func(context.Context) error { return errors.New("always") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return nil })
	assert.NoError(t, err)
}
