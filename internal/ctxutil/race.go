package ctxutil

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by RunWithTimeout when the timer wins the race.
var ErrTimeout = errors.New("timed out")

// RunWithTimeout runs fn and returns whichever settles first: fn's result,
// the timer, or ctx cancellation. fn receives a context that is cancelled
// once the race is decided, and the timer is always stopped. A panic in fn
// is converted to an error.
//
// A handler that ignores its context may keep running after a timeout; its
// late result is discarded.
func RunWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome{val: zero, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(runCtx)
		done <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
