package orchestrator

import "time"

// RetryPolicy bounds how a transport binding retries a failed dial.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy is the bounded exponential backoff the transport
// bindings fall back to when a caller supplies a zero-value policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Config holds the orchestrator's operational knobs. SessionConfig is
// passed through to the secure channel factory unexamined.
type Config struct {
	SessionConfig any

	HealthCheckTimeout time.Duration
	InferTimeout       time.Duration
	StageDrainTimeout  time.Duration
	DataDrainTimeout   time.Duration
	DataQuietPeriod    time.Duration

	TCPRetryPolicy RetryPolicy
}

// DefaultConfig returns production-suitable defaults for every knob.
func DefaultConfig() Config {
	return Config{
		HealthCheckTimeout: 10 * time.Second,
		InferTimeout:       60 * time.Second,
		StageDrainTimeout:  5 * time.Second,
		DataDrainTimeout:   5 * time.Second,
		DataQuietPeriod:    200 * time.Millisecond,
		TCPRetryPolicy:     DefaultRetryPolicy(),
	}
}
