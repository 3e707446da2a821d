package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry behaviour for a Handler.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// BackoffMultiplier is applied to the delay on each retry.
	BackoffMultiplier float64

	// EnableJitter randomises each delay within ±JitterPercent.
	EnableJitter bool

	// JitterPercent is the uniform jitter spread (0.2 = ±20%).
	JitterPercent float64

	// EnableRecovery turns on one-shot recovery for LLM API failures
	// (provider fallback) and resource exhaustion (wait and retry).
	EnableRecovery bool
}

// DefaultConfig returns the standard retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          30000 * time.Millisecond,
		BackoffMultiplier: 2,
		EnableJitter:      true,
		JitterPercent:     0.2,
	}
}

// Delay returns the backoff for retry attempt i (0-based), without jitter.
func (c Config) Delay(i int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(i))
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// jittered applies the configured jitter to a delay.
func (c Config) jittered(d time.Duration) time.Duration {
	if !c.EnableJitter || c.JitterPercent <= 0 {
		return d
	}
	factor := 1 - c.JitterPercent + rand.Float64()*2*c.JitterPercent
	return time.Duration(float64(d) * factor)
}

// RetrySequence returns the deterministic (non-jittered) backoff sequence,
// one entry per retry. Intended for observability and tests.
func (c Config) RetrySequence() []time.Duration {
	seq := make([]time.Duration, 0, c.MaxRetries)
	for i := 0; i < c.MaxRetries; i++ {
		seq = append(seq, c.Delay(i))
	}
	return seq
}
