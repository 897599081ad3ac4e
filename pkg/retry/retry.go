// Package retry runs operations under an exponential backoff policy and
// computes redrive schedules for failed deliveries.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// OnRetry is told about every failed attempt that will be retried.
type OnRetry func(attempt int, err error, nextDelay time.Duration)

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }
func (e *stopError) IsFatal() bool { return true }

// Stop marks err so that the loop gives up on it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

// RetryWithCallback runs fn until it succeeds, the policy is exhausted or fn
// returns an error that must not be retried: one wrapped with Stop, or any
// error reporting IsFatal() true or IsRetryable() false.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry OnRetry) error {
	policy = policy.normalized()

	b := backoff.WithMaxRetries(
		backoff.WithContext(ExponentialBackoff(policy.InitialInterval, policy.MaxInterval, policy.MaxElapsedTime, policy.Multiplier), ctx),
		uint64(policy.MaxAttempts-1),
	)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(attempt, err, CalculateBackoffDuration(attempt-1, policy.InitialInterval, policy.Multiplier, policy.MaxInterval))
		}
		return err
	}, b)
}

func retryable(err error) bool {
	var fatal interface{ IsFatal() bool }
	if errors.As(err, &fatal) && fatal.IsFatal() {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) && !r.IsRetryable() {
		return false
	}
	return true
}
