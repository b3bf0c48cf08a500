package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{
		InitialDelay: Duration(100 * time.Millisecond),
		MaxDelay:     Duration(1 * time.Second),
		Multiplier:   2.0,
		MaxAttempts:  10,
	}

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, 400*time.Millisecond, p.Delay(4))
	assert.Equal(t, 800*time.Millisecond, p.Delay(5))

	// Capped at MaxDelay from then on
	assert.Equal(t, 1*time.Second, p.Delay(6))
	assert.Equal(t, 1*time.Second, p.Delay(20))
}

func TestRetryPolicyDelayJitter(t *testing.T) {
	p := RetryPolicy{
		InitialDelay: Duration(100 * time.Millisecond),
		MaxDelay:     Duration(1 * time.Second),
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts:  10,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, d, 180*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
