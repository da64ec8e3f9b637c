package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
)

// RulePatch is a partial rule update. Nil fields keep the current value.
type RulePatch struct {
	MaxRetries             *int
	RetryIntervals         []time.Duration
	BackoffStrategy        *domain.BackoffStrategy
	FailureThreshold       *float64
	CircuitBreakerDuration *time.Duration
}

// Registry holds the active delivery rule for every channel. Reads vastly
// outnumber writes, so the map sits behind a reader/writer lock.
type Registry struct {
	mu    sync.RWMutex
	rules map[domain.Channel]domain.DeliveryRule
	now   func() time.Time
}

// NewRegistry seeds a default rule for every known channel. SMS tolerates a
// higher failure rate with fewer, shorter retries than email; in-app retries
// barely at all since the client polls its own inbox anyway.
func NewRegistry() *Registry {
	r := &Registry{
		rules: make(map[domain.Channel]domain.DeliveryRule, len(domain.Channels())),
		now:   time.Now,
	}

	seeded := []domain.DeliveryRule{
		{
			Channel:                domain.ChannelEmail,
			MaxRetries:             3,
			RetryIntervals:         []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
			BackoffStrategy:        domain.BackoffExponential,
			FailureThreshold:       20,
			CircuitBreakerDuration: 10 * time.Minute,
		},
		{
			Channel:                domain.ChannelSMS,
			MaxRetries:             2,
			RetryIntervals:         []time.Duration{time.Minute, 5 * time.Minute},
			BackoffStrategy:        domain.BackoffFixed,
			FailureThreshold:       30,
			CircuitBreakerDuration: 5 * time.Minute,
		},
		{
			Channel:                domain.ChannelPush,
			MaxRetries:             3,
			RetryIntervals:         []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute},
			BackoffStrategy:        domain.BackoffExponential,
			FailureThreshold:       25,
			CircuitBreakerDuration: 5 * time.Minute,
		},
		{
			Channel:                domain.ChannelInApp,
			MaxRetries:             1,
			RetryIntervals:         []time.Duration{10 * time.Second},
			BackoffStrategy:        domain.BackoffFixed,
			FailureThreshold:       50,
			CircuitBreakerDuration: time.Minute,
		},
	}

	for _, rule := range seeded {
		rule.UpdatedAt = r.now().UTC()
		r.rules[rule.Channel] = rule
	}

	return r
}

// Get returns the active rule for a channel. Every known channel has a rule
// after construction; unknown channels fall back to the email rule so the
// caller never has to handle a missing policy.
func (r *Registry) Get(channel domain.Channel) domain.DeliveryRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rule, ok := r.rules[channel]; ok {
		return rule.Clone()
	}
	fallback := r.rules[domain.ChannelEmail]
	return fallback.Clone()
}

// Update merges a partial patch into the channel's rule, validating the
// merged result before replacing the active rule.
func (r *Registry) Update(channel domain.Channel, patch RulePatch) (domain.DeliveryRule, error) {
	if !channel.IsValid() {
		return domain.DeliveryRule{}, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rules[channel]
	if !ok {
		return domain.DeliveryRule{}, fmt.Errorf("%w: no rule for channel %q", domain.ErrNotFound, channel)
	}

	merged := current.Clone()
	if patch.MaxRetries != nil {
		merged.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryIntervals != nil {
		merged.RetryIntervals = make([]time.Duration, len(patch.RetryIntervals))
		copy(merged.RetryIntervals, patch.RetryIntervals)
	}
	if patch.BackoffStrategy != nil {
		merged.BackoffStrategy = *patch.BackoffStrategy
	}
	if patch.FailureThreshold != nil {
		merged.FailureThreshold = *patch.FailureThreshold
	}
	if patch.CircuitBreakerDuration != nil {
		merged.CircuitBreakerDuration = *patch.CircuitBreakerDuration
	}

	if err := merged.Validate(); err != nil {
		return domain.DeliveryRule{}, err
	}

	merged.UpdatedAt = r.now().UTC()
	r.rules[channel] = merged
	return merged.Clone(), nil
}

// List returns a snapshot of every active rule, ordered by channel.
func (r *Registry) List() []domain.DeliveryRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DeliveryRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel < out[j].Channel
	})
	return out
}
