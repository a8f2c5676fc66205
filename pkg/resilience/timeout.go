package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

// WithTimeout runs fn under a deadline of timeout, or the caller's deadline
// when that is sooner. fn's own error wins when it returns in time. When the
// local limit fires first the error wraps both ErrDeadlineExceeded and
// context.DeadlineExceeded; a cancelled parent is reported as such. A
// non-positive timeout runs fn directly.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: parent context done: %w", name, err)
		}
		return fmt.Errorf("%s after %v: %w", name, timeout, errors.Join(apperrors.ErrDeadlineExceeded, context.DeadlineExceeded))
	}
}
