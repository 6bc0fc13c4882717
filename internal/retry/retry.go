// Package retry provides a shared retry utility with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	_, err := Value(ctx, maxAttempts, baseDelay, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var (
		result T
		err    error
	)
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return result, pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
	}

	return result, err
}

// jittered spreads d by +-25%.
func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	if jitter <= 0 {
		return d
	}
	return d - jitter + time.Duration(rand.Int64N(int64(2*jitter+1)))
}
