package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func ExponentialBackoff(initialInterval, maxInterval, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = maxElapsed
	exp.Reset()
	return exp
}

// CalculateBackoffDuration returns initialInterval * multiplier^attempt, capped at maxInterval.
func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if maxInterval > 0 && duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}

// NextAttemptAt returns when a delivery that has failed failureCount times may be tried again.
// The delay doubles from retryDelay with every failure and is capped at maxDelay.
func NextAttemptAt(lastFailedAt time.Time, failureCount int, retryDelay, maxDelay time.Duration) time.Time {
	if failureCount < 1 {
		return lastFailedAt
	}
	return lastFailedAt.Add(CalculateBackoffDuration(failureCount-1, retryDelay, 2, maxDelay))
}
