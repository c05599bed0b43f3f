package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

// WithTimeout bounds a call to backend (redis, postgres, kafka) by limit.
// An overrun matches both apperrors.ErrTimeout and context.DeadlineExceeded
// and names the backend; a zero limit runs fn on ctx unchanged. fn keeps
// running in the background after an overrun until it observes its context.
func WithTimeout(ctx context.Context, limit time.Duration, backend string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	select {
	case err = <-done:
		if err == nil {
			return nil
		}
	case <-callCtx.Done():
	}
	if callCtx.Err() != nil {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%s: caller gave up: %w", backend, cerr)
		}
		return fmt.Errorf("%s: no answer within %v: %w: %w", backend, limit, apperrors.ErrTimeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", backend, err)
}
