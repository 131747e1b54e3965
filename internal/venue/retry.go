package venue

import (
	"context"
	"time"
)

const (
	retryBase = 300 * time.Millisecond
	retryCap  = 10 * time.Second
)

// withRetry runs fn up to attempts times with exponential backoff, stopping
// early on context cancellation. The last error is returned.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	wait := retryBase
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > retryCap {
			wait = retryCap
		}
	}
	return err
}

// retry1 is withRetry for functions returning a value.
func retry1[T any](ctx context.Context, attempts int, fn func() (T, error)) (T, error) {
	var out T
	err := withRetry(ctx, attempts, func() error {
		var e error
		out, e = fn()
		return e
	})
	return out, err
}
