// Package retry runs an operation a bounded number of times with a backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is returned when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// BackoffFunc returns the wait after the given 1-based attempt.
type BackoffFunc func(attempt int) time.Duration

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Sleep       SleepFunc
}

// Linear waits attempt*unit: 1x, 2x, 3x...
func Linear(unit time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * unit
	}
}

// Constant waits the same interval after every attempt.
func Constant(interval time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return interval
	}
}

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (permanent permanentError) Error() string {
	return permanent.err.Error()
}

func (permanent permanentError) Unwrap() error {
	return permanent.err
}

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent permanentError
	return errors.As(err, &permanent)
}

// Do calls fn until it succeeds, returns a permanent error, or MaxAttempts is reached.
// The last failure is wrapped with ErrAttemptsExhausted.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		var permanent permanentError
		if errors.As(lastErr, &permanent) {
			return permanent.err
		}
		if attempt == maxAttempts {
			break
		}
		var wait time.Duration
		if policy.Backoff != nil {
			wait = policy.Backoff(attempt)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, maxAttempts, lastErr)
}
