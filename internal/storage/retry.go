package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how often a write is retried after a transient
// conflict, with jittered exponential backoff capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// writeRetry covers run updates and queue appends, which contend with the
// engine's own writes on the same branch.
var writeRetry = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  20 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// Retriable reports whether err is a transient Postgres conflict:
// serialization_failure, deadlock_detected or lock_not_available, or a
// connection error raised before anything reached the server.
func Retriable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	return err != nil && pgconn.SafeToRetry(err)
}

// Do runs fn, retrying while it fails with a Retriable error. The last
// error is returned once retries run out; ctx cancellation stops waiting.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !Retriable(err) || attempt >= p.MaxRetries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// WithRetry is RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}.Do.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}.Do(ctx, fn)
}
