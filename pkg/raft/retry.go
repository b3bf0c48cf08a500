package raft

import (
	"math"
	"math/rand"
	"time"
)

// A RetryPolicy bounds the retransmission of a failed RPC: exponential
// backoff from InitialDelay, multiplied at each attempt, capped at MaxDelay,
// with a random jitter fraction applied to avoid synchronized retries.
type RetryPolicy struct {
	InitialDelay Duration `json:"initialDelay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"maxDelay" yaml:"max_delay"`
	Multiplier   float64  `json:"multiplier" yaml:"multiplier"`
	Jitter       float64  `json:"jitter" yaml:"jitter"`
	MaxAttempts  int      `json:"maxAttempts" yaml:"max_attempts"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: Duration(100 * time.Millisecond),
		MaxDelay:     Duration(5 * time.Second),
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts:  5,
	}
}

// Delay returns the backoff delay preceding the given attempt. The first
// attempt is number 1 and is never delayed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := float64(p.InitialDelay) *
		math.Pow(p.Multiplier, float64(attempt-2))

	if maxDelay := float64(p.MaxDelay); delay > maxDelay {
		delay = maxDelay
	}

	if p.Jitter > 0 {
		// Uniform jitter in [-j, +j] around the computed delay
		delay += delay * p.Jitter * (2.0*rand.Float64() - 1.0)
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Exhausted reports whether the given attempt number exceeds the policy.
// MaxAttempts is the total number of attempts allowed, initial try
// included.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
