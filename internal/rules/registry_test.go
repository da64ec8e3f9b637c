package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
)

func TestNewRegistrySeedsEveryChannel(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	for _, channel := range domain.Channels() {
		rule := registry.Get(channel)
		if rule.Channel != channel {
			t.Fatalf("Get(%s).Channel = %s", channel, rule.Channel)
		}
		if err := rule.Validate(); err != nil {
			t.Fatalf("seeded rule for %s invalid: %v", channel, err)
		}
	}

	email := registry.Get(domain.ChannelEmail)
	if email.MaxRetries != 3 {
		t.Fatalf("email MaxRetries = %d, want 3", email.MaxRetries)
	}
	if email.BackoffStrategy != domain.BackoffExponential {
		t.Fatalf("email BackoffStrategy = %s, want EXPONENTIAL", email.BackoffStrategy)
	}
	if email.FailureThreshold != 20 {
		t.Fatalf("email FailureThreshold = %v, want 20", email.FailureThreshold)
	}
}

func TestRegistryGetUnknownChannelFallsBack(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	rule := registry.Get(domain.Channel("FAX"))
	if rule.Channel != domain.ChannelEmail {
		t.Fatalf("fallback rule channel = %s, want EMAIL", rule.Channel)
	}
}

func TestRegistryUpdateMergesPatch(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	before := registry.Get(domain.ChannelSMS)

	maxRetries := 5
	threshold := 40.0
	updated, err := registry.Update(domain.ChannelSMS, RulePatch{
		MaxRetries:       &maxRetries,
		FailureThreshold: &threshold,
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if updated.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d, want 5", updated.MaxRetries)
	}
	if updated.FailureThreshold != 40 {
		t.Fatalf("FailureThreshold = %v, want 40", updated.FailureThreshold)
	}
	// Untouched fields keep their previous values.
	if updated.BackoffStrategy != before.BackoffStrategy {
		t.Fatalf("BackoffStrategy = %s, want unchanged %s", updated.BackoffStrategy, before.BackoffStrategy)
	}
	if len(updated.RetryIntervals) != len(before.RetryIntervals) {
		t.Fatalf("RetryIntervals changed: %v", updated.RetryIntervals)
	}

	stored := registry.Get(domain.ChannelSMS)
	if stored.MaxRetries != 5 {
		t.Fatalf("stored MaxRetries = %d, want 5", stored.MaxRetries)
	}
}

func TestRegistryUpdateRejectsInvalidMerge(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	before := registry.Get(domain.ChannelEmail)

	badThreshold := 150.0
	if _, err := registry.Update(domain.ChannelEmail, RulePatch{FailureThreshold: &badThreshold}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Update() error = %v, want ErrValidation", err)
	}

	// A failed update must leave the active rule untouched.
	after := registry.Get(domain.ChannelEmail)
	if after.FailureThreshold != before.FailureThreshold {
		t.Fatalf("FailureThreshold = %v, want unchanged %v", after.FailureThreshold, before.FailureThreshold)
	}
}

func TestRegistryUpdateInvalidChannel(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	if _, err := registry.Update(domain.Channel("FAX"), RulePatch{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Update() error = %v, want ErrValidation", err)
	}
}

func TestRegistryUpdateReplacesIntervals(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	intervals := []time.Duration{time.Minute, 10 * time.Minute}
	updated, err := registry.Update(domain.ChannelPush, RulePatch{RetryIntervals: intervals})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(updated.RetryIntervals) != 2 || updated.RetryIntervals[1] != 10*time.Minute {
		t.Fatalf("RetryIntervals = %v, want [1m 10m]", updated.RetryIntervals)
	}

	// The registry holds its own copy of the slice.
	intervals[0] = time.Hour
	stored := registry.Get(domain.ChannelPush)
	if stored.RetryIntervals[0] != time.Minute {
		t.Fatalf("stored interval mutated: %s", stored.RetryIntervals[0])
	}
}

func TestRegistryListOrdered(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	list := registry.List()
	if len(list) != len(domain.Channels()) {
		t.Fatalf("len = %d, want %d", len(list), len(domain.Channels()))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Channel >= list[i].Channel {
			t.Fatalf("rules not ordered by channel: %s before %s", list[i-1].Channel, list[i].Channel)
		}
	}
}
