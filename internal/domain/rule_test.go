package domain

import (
	"errors"
	"testing"
	"time"
)

func validRule() DeliveryRule {
	return DeliveryRule{
		Channel:                ChannelEmail,
		MaxRetries:             3,
		RetryIntervals:         []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
		BackoffStrategy:        BackoffExponential,
		FailureThreshold:       20,
		CircuitBreakerDuration: 10 * time.Minute,
	}
}

func TestDeliveryRuleValidate(t *testing.T) {
	t.Parallel()

	rule := validRule()
	if err := rule.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(r *DeliveryRule)
	}{
		{"invalid channel", func(r *DeliveryRule) { r.Channel = "FAX" }},
		{"zero max retries", func(r *DeliveryRule) { r.MaxRetries = 0 }},
		{"no intervals", func(r *DeliveryRule) { r.RetryIntervals = nil }},
		{"non-positive interval", func(r *DeliveryRule) { r.RetryIntervals = []time.Duration{0} }},
		{"invalid backoff", func(r *DeliveryRule) { r.BackoffStrategy = "RANDOM" }},
		{"threshold below zero", func(r *DeliveryRule) { r.FailureThreshold = -1 }},
		{"threshold above hundred", func(r *DeliveryRule) { r.FailureThreshold = 101 }},
		{"zero breaker duration", func(r *DeliveryRule) { r.CircuitBreakerDuration = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rule := validRule()
			tt.mutate(&rule)
			if err := rule.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestDeliveryRuleClone(t *testing.T) {
	t.Parallel()

	rule := validRule()
	clone := rule.Clone()
	clone.RetryIntervals[0] = time.Second

	if rule.RetryIntervals[0] != 5*time.Minute {
		t.Fatalf("clone mutation leaked into original: %s", rule.RetryIntervals[0])
	}
}

func TestParseBackoffStrategyFromString(t *testing.T) {
	t.Parallel()

	strategy, err := ParseBackoffStrategyFromString("linear")
	if err != nil {
		t.Fatalf("ParseBackoffStrategyFromString() error = %v", err)
	}
	if strategy != BackoffLinear {
		t.Fatalf("strategy = %s, want %s", strategy, BackoffLinear)
	}

	if _, err := ParseBackoffStrategyFromString("quadratic"); !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}
