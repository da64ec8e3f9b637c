package domain

import (
	"fmt"
	"strings"
	"time"
)

// BackoffStrategy maps an attempt number to a retry delay.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffLinear      BackoffStrategy = "LINEAR"
)

func (b BackoffStrategy) String() string { return string(b) }

func (b BackoffStrategy) IsValid() bool {
	switch b {
	case BackoffFixed, BackoffExponential, BackoffLinear:
		return true
	}
	return false
}

func ParseBackoffStrategyFromString(s string) (BackoffStrategy, error) {
	b := BackoffStrategy(strings.ToUpper(strings.TrimSpace(s)))
	if !b.IsValid() {
		return "", fmt.Errorf("%w: invalid backoff strategy %q", ErrValidation, s)
	}
	return b, nil
}

// DeliveryRule is the per-channel retry and circuit-breaker policy. Exactly
// one rule is active per channel at a time.
type DeliveryRule struct {
	Channel Channel
	// MaxRetries caps the number of scheduled retry attempts.
	MaxRetries int
	// RetryIntervals is indexed by attempt number; the last value repeats
	// once attempts exceed the list length.
	RetryIntervals []time.Duration
	BackoffStrategy BackoffStrategy
	// FailureThreshold is the trailing-hour failure-rate percentage (0-100)
	// at which the channel breaker opens.
	FailureThreshold float64
	// CircuitBreakerDuration is how long an open breaker waits before the
	// next access may probe the channel again.
	CircuitBreakerDuration time.Duration
	UpdatedAt              time.Time
}

func (r *DeliveryRule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: delivery rule is required", ErrValidation)
	}
	if !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if r.MaxRetries <= 0 {
		return fmt.Errorf("%w: max retries must be positive (got %d)", ErrValidation, r.MaxRetries)
	}
	if len(r.RetryIntervals) == 0 {
		return fmt.Errorf("%w: at least one retry interval is required", ErrValidation)
	}
	for i, interval := range r.RetryIntervals {
		if interval <= 0 {
			return fmt.Errorf("%w: retry interval %d must be positive (got %s)", ErrValidation, i, interval)
		}
	}
	if !r.BackoffStrategy.IsValid() {
		return fmt.Errorf("%w: invalid backoff strategy %q", ErrValidation, r.BackoffStrategy)
	}
	if r.FailureThreshold < 0 || r.FailureThreshold > 100 {
		return fmt.Errorf("%w: failure threshold must be between 0 and 100 (got %.2f)", ErrValidation, r.FailureThreshold)
	}
	if r.CircuitBreakerDuration <= 0 {
		return fmt.Errorf("%w: circuit breaker duration must be positive (got %s)", ErrValidation, r.CircuitBreakerDuration)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate the registry's rule.
func (r *DeliveryRule) Clone() DeliveryRule {
	clone := *r
	clone.RetryIntervals = make([]time.Duration, len(r.RetryIntervals))
	copy(clone.RetryIntervals, r.RetryIntervals)
	return clone
}
