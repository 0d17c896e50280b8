package service

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noJitter(n int64) int64  { return 0 }
func maxJitter(n int64) int64 { return n - 1 }

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{Max: time.Hour, jitter: noJitter}

	tests := []struct {
		name    string
		backoff int
		attempt int
		want    time.Duration
	}{
		{"first retry is half of base", 10, 1, 5 * time.Second},
		{"second doubles", 10, 2, 10 * time.Second},
		{"third doubles again", 10, 3, 20 * time.Second},
		{"capped at max", 10, 20, 30 * time.Minute},
		{"zero backoff treated as one second", 0, 1, 500 * time.Millisecond},
		{"attempt below one treated as first", 10, 0, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.backoff, tt.attempt))
		})
	}
}

func TestBackoffPolicy_JitterStaysInUpperHalf(t *testing.T) {
	p := BackoffPolicy{Max: time.Hour, jitter: maxJitter}
	d := p.Delay(10, 2)
	assert.Less(t, d, 20*time.Second)
	assert.GreaterOrEqual(t, d, 10*time.Second)

	policy := NewBackoffPolicy(time.Hour)
	for i := 0; i < 100; i++ {
		d := policy.Delay(10, 1)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.Less(t, d, 10*time.Second)
	}
}

func TestBackoffPolicy_UncappedDelayNeverWraps(t *testing.T) {
	p := BackoffPolicy{jitter: noJitter}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		d := p.Delay(30, attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64)/2, p.Delay(30, 64))

	p.jitter = maxJitter
	assert.Positive(t, p.Delay(30, 1000))
	assert.Positive(t, p.Delay(math.MaxInt, 2))
}

func TestBackoffPolicy_NextAttemptAt(t *testing.T) {
	p := BackoffPolicy{Max: time.Hour, jitter: noJitter}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Second), p.NextAttemptAt(now, 10, 1))
}

func TestIsFinalAttempt(t *testing.T) {
	assert.False(t, IsFinalAttempt(0, 3))
	assert.False(t, IsFinalAttempt(1, 3))
	assert.True(t, IsFinalAttempt(2, 3))
	assert.True(t, IsFinalAttempt(0, 1))
	assert.True(t, IsFinalAttempt(5, 3))
}
