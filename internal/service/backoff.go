package service

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes retry times for failed attempts.
//
// The delay before attempt n+1 is retryBackoff * 2^(n-1), capped at Max, with
// equal jitter: half the delay is fixed and the other half is random.
type BackoffPolicy struct {
	Max time.Duration

	jitter func(n int64) int64 // returns a value in [0, n)
}

// NewBackoffPolicy creates a policy capped at max.
func NewBackoffPolicy(max time.Duration) BackoffPolicy {
	return BackoffPolicy{Max: max, jitter: rand.Int64N}
}

// Delay returns the wait before the next try after attempt (1-based) failed.
func (p BackoffPolicy) Delay(retryBackoffSeconds, attempt int) time.Duration {
	if retryBackoffSeconds <= 0 {
		retryBackoffSeconds = 1
	}
	if attempt < 1 {
		attempt = 1
	}

	// Doubling saturates at the largest Duration instead of wrapping.
	delay := time.Duration(math.MaxInt64)
	if int64(retryBackoffSeconds) <= math.MaxInt64/int64(time.Second) {
		delay = time.Duration(retryBackoffSeconds) * time.Second
	}
	for i := 1; i < attempt; i++ {
		if p.Max > 0 && delay >= p.Max {
			break
		}
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}

	half := delay / 2
	if half <= 0 || p.jitter == nil {
		return delay
	}
	return half + time.Duration(p.jitter(int64(delay-half)))
}

// NextAttemptAt returns when the delivery becomes due again.
func (p BackoffPolicy) NextAttemptAt(now time.Time, retryBackoffSeconds, attempt int) time.Time {
	return now.Add(p.Delay(retryBackoffSeconds, attempt))
}

// IsFinalAttempt reports whether the attempt being recorded exhausts maxAttempts.
// attemptCount is the count before the attempt is recorded.
func IsFinalAttempt(attemptCount, maxAttempts int) bool {
	return attemptCount+1 >= maxAttempts
}
