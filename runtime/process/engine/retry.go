package engine

import "time"

// Default retry settings applied when an element declares a policy without
// filling every field.
const (
	DefaultMaxAttempts        = 3
	DefaultInitialInterval    = 50 * time.Millisecond
	DefaultBackoffCoefficient = 2.0
)

// RetryPolicy governs re-execution of failed work units for a single
// element. A nil policy means no retries: the first failure raises an
// incident.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts including the first.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int
	// InitialInterval is the delay before the first retry. Zero means
	// DefaultInitialInterval.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies the delay after each retry. Values < 1
	// are treated as 1 (constant backoff). A value of 2 provides exponential
	// backoff.
	BackoffCoefficient float64
}

// Normalize returns a copy with zero fields replaced by defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.BackoffCoefficient == 0 {
		p.BackoffCoefficient = DefaultBackoffCoefficient
	} else if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 1
	}
	return p
}

// Backoff returns the delay to wait before the given retry attempt.
// Attempt 1 is the first retry.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.Normalize()
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffCoefficient)
	}
	return d
}

// Exhausted reports whether the given attempt count has consumed the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.Normalize().MaxAttempts
}
