package embedding

import (
	"math/rand"
	"time"
)

// RetryPolicy describes the backoff schedule for transient provider
// failures. It is a plain value so tests can inject tight schedules.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0 to disable
}

// DefaultRetryPolicy returns the production backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// backoff is the explicit retry state machine: attempt count plus the
// next delay, advanced by Next.
type backoff struct {
	policy  RetryPolicy
	attempt int
	delay   time.Duration
}

func newBackoff(policy RetryPolicy) *backoff {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &backoff{
		policy: policy,
		delay:  policy.BaseDelay,
	}
}

// Next records one failed attempt. It returns the delay to wait before
// the next attempt, and false once the attempt budget is exhausted.
func (b *backoff) Next() (time.Duration, bool) {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}

	d := b.delay
	if b.policy.Jitter > 0 {
		spread := float64(d) * b.policy.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}

	b.delay = time.Duration(float64(b.delay) * b.policy.Multiplier)
	return d, true
}

// Attempt returns the number of failed attempts recorded so far.
func (b *backoff) Attempt() int {
	return b.attempt
}
