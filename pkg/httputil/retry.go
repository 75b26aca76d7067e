package httputil

import (
	"context"
	"errors"
	"time"
)

// RetryableError wraps an error to indicate it should trigger a retry.
// Wrap transient failures (network timeouts, 5xx responses) with this type
// so that [Retry] knows to attempt the operation again.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a [RetryableError]. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a [RetryableError].
func IsRetryable(err error) bool {
	return errors.As(err, new(*RetryableError))
}

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	Attempts int           // Total attempts including the first (min 1)
	Delay    time.Duration // Wait after the first failure
	MaxDelay time.Duration // Upper bound for the doubled delay (0 = unbounded)

	// OnRetry is called before each wait with the 1-based attempt that just
	// failed. Optional.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy is 3 attempts starting at 1 second.
var DefaultPolicy = Policy{Attempts: 3, Delay: time.Second, MaxDelay: 8 * time.Second}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Returns the last error if all attempts fail, or ctx.Err()
// if cancelled while waiting.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := p.Delay
	var lastErr error

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(); err == nil {
			return nil
		} else if lastErr = err; !IsRetryable(err) {
			return err
		}

		if i < attempts-1 {
			if p.OnRetry != nil {
				p.OnRetry(i+1, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay *= 2
				if p.MaxDelay > 0 && delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
		}
	}
	return lastErr
}

// Retry executes fn up to attempts times with exponential backoff.
// It only retries errors wrapped with [RetryableError]; other errors are
// returned immediately.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, Delay: delay}.Do(ctx, fn)
}

// RetryWithBackoff runs fn under [DefaultPolicy].
func RetryWithBackoff(ctx context.Context, fn func() error) error {
	return DefaultPolicy.Do(ctx, fn)
}
