package services

import (
	"math/rand"
	"time"
)

// RetryPolicy defines backoff behavior for failed bus operations: factor-2
// exponential delay from an initial value up to a cap, with optional jitter
// so a fleet of restarting consumers does not thunder in lockstep.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryPolicy returns the bus retry policy: 250ms doubling up to 10s,
// jittered.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Delay returns the backoff before retry attempt (zero-based).
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= rp.BackoffFactor
		if delay >= float64(rp.MaxDelay) {
			break
		}
	}
	d := time.Duration(delay)
	if d > rp.MaxDelay {
		d = rp.MaxDelay
	}
	if d <= 0 {
		d = rp.InitialDelay
	}
	if rp.JitterEnabled && d > 1 {
		// Jitter into [d/2, d] so the cap still bounds the wait.
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}
