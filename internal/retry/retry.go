// Package retry provides a bounded retry policy that wraps a single-attempt
// operation, so the policy can vary by caller and be tested on its own.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	MaxAttempts int           // total attempts including the first; values < 1 mean 1
	Delay       time.Duration // wait before the second attempt
	Multiplier  float64       // growth per attempt; <= 1 keeps Delay constant
	MaxDelay    time.Duration // cap for growing delays; 0 means no cap
}

// DefaultInstallPolicy matches the launcher behaviour for full installs:
// three attempts two seconds apart.
func DefaultInstallPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 2 * time.Second}
}

// DefaultRepairPolicy is used for targeted repairs.
func DefaultRepairPolicy() Policy {
	return Policy{MaxAttempts: 2, Delay: 2 * time.Second}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// NotifyFunc is called before each re-attempt with the number of the attempt
// about to start (2, 3, ...) and the error that ended the previous one.
type NotifyFunc func(attempt int, err error)

// Do runs op until it succeeds, returns an error not marked Retryable, the
// attempts are exhausted or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify NotifyFunc) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if notify != nil {
				notify(attempt+1, err)
			}
		}),
	)
	return err
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()
	return b
}
