package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the exponential reconnect backoff.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the grown delay.
	MaxDelay time.Duration

	// Multiplier grows the delay per attempt.
	Multiplier float64

	// Jitter disables the ±10% randomization when false.
	Jitter bool
}

// DefaultBackoffConfig returns the production backoff shape.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay computes the delay before the given 1-based attempt:
// initial*multiplier^(attempt-1), capped at MaxDelay, with ±10% jitter so a
// fleet of consumers does not redial in lockstep.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := c.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if max := float64(c.MaxDelay); c.MaxDelay > 0 && delay > max {
		delay = max
	}
	if c.Jitter {
		delay *= 0.9 + 0.2*rand.Float64()
	}
	return time.Duration(delay)
}
