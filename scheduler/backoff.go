package scheduler

import (
	"math"
	"time"
)

// RetryDelay computes the backoff delay before the next attempt of a
// task that has failed `attempts` times. The delay is a pure function
// of the attempt count, so every scheduler instance agrees on when a
// record becomes due without coordinating.
func (c *Config) RetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := float64(c.BackoffBase) * math.Pow(c.BackoffFactor, float64(attempts-1))
	if d > float64(c.BackoffMax) {
		return c.BackoffMax
	}
	return time.Duration(d)
}

// retryDue reports whether a task that finished its last failed attempt
// at finished, after `attempts` failures, is due for requeue at now.
func (c *Config) retryDue(finished time.Time, attempts int, now time.Time) bool {
	return !finished.After(now.Add(-c.RetryDelay(attempts)))
}
