package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/observability"
	"github.com/studentbridge/delivery-engine/internal/rules"
	"github.com/studentbridge/delivery-engine/internal/store"
	"go.uber.org/zap"
)

// failureRateWindow is the trailing window the failure rate is evaluated over.
const failureRateWindow = time.Hour

// Manager owns the per-channel circuit breaker state machines. Transitions
// happen only while recording an outcome, on elapsed time during the next
// access, or through an explicit Reset.
type Manager struct {
	mu       sync.Mutex
	states   map[domain.Channel]*domain.CircuitBreakerState
	rules    *rules.Registry
	attempts store.AttemptStore
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewManager(ruleRegistry *rules.Registry, attempts store.AttemptStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	states := make(map[domain.Channel]*domain.CircuitBreakerState, len(domain.Channels()))
	for _, channel := range domain.Channels() {
		states[channel] = &domain.CircuitBreakerState{
			Channel: channel,
			State:   domain.CircuitClosed,
		}
	}

	return &Manager{
		states:   states,
		rules:    ruleRegistry,
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
	}
}

func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// RecordOutcome feeds one delivery outcome into the channel's state machine.
func (m *Manager) RecordOutcome(ctx context.Context, channel domain.Channel, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[channel]
	if !ok {
		return nil
	}

	now := m.now().UTC()
	m.maybeHalfOpenLocked(state, now)

	if status == domain.StatusDelivered && state.State == domain.CircuitHalfOpen {
		m.transitionLocked(state, domain.CircuitClosed)
		state.FailureCount = 0
		state.LastFailureTime = nil
		state.OpenedAt = nil
		state.NextRetryTime = nil
		return nil
	}

	if !status.IsFailure() {
		return nil
	}

	state.FailureCount++
	failedAt := now
	state.LastFailureTime = &failedAt

	counts, err := m.attempts.CountByChannelSince(ctx, channel, now.Add(-failureRateWindow))
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		return nil
	}

	rule := m.rules.Get(channel)
	failureRate := float64(counts.Failures()) / float64(counts.Total) * 100
	if failureRate < rule.FailureThreshold {
		return nil
	}

	m.transitionLocked(state, domain.CircuitOpen)
	openedAt := now
	nextRetry := now.Add(rule.CircuitBreakerDuration)
	state.OpenedAt = &openedAt
	state.NextRetryTime = &nextRetry

	m.logger.Warn("circuit breaker opened",
		zap.String("channel", channel.String()),
		zap.Float64("failureRate", failureRate),
		zap.Float64("threshold", rule.FailureThreshold),
		zap.Time("nextRetryTime", nextRetry),
	)
	return nil
}

// ShouldAttempt reports whether new sends may go out on the channel. It is
// false only while the breaker is open; half-open lets probes through.
func (m *Manager) ShouldAttempt(channel domain.Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[channel]
	if !ok {
		return true
	}

	m.maybeHalfOpenLocked(state, m.now().UTC())
	return state.State != domain.CircuitOpen
}

// States returns a snapshot of every channel's breaker, ordered by channel.
func (m *Manager) States() []domain.CircuitBreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	out := make([]domain.CircuitBreakerState, 0, len(m.states))
	for _, state := range m.states {
		m.maybeHalfOpenLocked(state, now)
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Reset forces a channel breaker to closed with counters and timestamps
// cleared, regardless of its current state.
func (m *Manager) Reset(channel domain.Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[channel]
	if !ok {
		return false
	}

	m.transitionLocked(state, domain.CircuitClosed)
	state.FailureCount = 0
	state.LastFailureTime = nil
	state.OpenedAt = nil
	state.NextRetryTime = nil

	m.logger.Info("circuit breaker reset", zap.String("channel", channel.String()))
	return true
}

// maybeHalfOpenLocked applies the lazy open -> half-open transition once the
// open duration has elapsed. Callers must hold the manager mutex.
func (m *Manager) maybeHalfOpenLocked(state *domain.CircuitBreakerState, now time.Time) {
	if state.State != domain.CircuitOpen {
		return
	}
	if state.NextRetryTime == nil || now.Before(*state.NextRetryTime) {
		return
	}

	m.transitionLocked(state, domain.CircuitHalfOpen)
	m.logger.Info("circuit breaker half-open",
		zap.String("channel", state.Channel.String()),
	)
}

func (m *Manager) transitionLocked(state *domain.CircuitBreakerState, to domain.CircuitState) {
	if state.State == to {
		return
	}

	state.State = to
	if m.metrics != nil {
		m.metrics.SetBreakerState(state.Channel.String(), to.String())
		m.metrics.IncBreakerTransition(state.Channel.String(), to.String())
	}
}
