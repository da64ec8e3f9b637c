package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/observability"
	"github.com/studentbridge/delivery-engine/internal/ratelimit"
	"github.com/studentbridge/delivery-engine/internal/rules"
	"github.com/studentbridge/delivery-engine/internal/sender"
	"github.com/studentbridge/delivery-engine/internal/store"
	"go.uber.org/zap"
)

const fireTimeout = 30 * time.Second

// Metadata keys the firing path records for the tracker to lift into the
// attempt log entry.
const (
	MetaResponseCode = "responseCode"
	MetaResponseBody = "responseBody"
)

// OutcomeSink receives the outcome of a fired retry. The delivery tracker
// implements it, closing the track -> schedule -> fire -> track loop.
type OutcomeSink interface {
	TrackDelivery(ctx context.Context, record *domain.DeliveryRecord) error
}

// BreakerGate answers whether a channel currently accepts send attempts.
type BreakerGate interface {
	ShouldAttempt(channel domain.Channel) bool
}

// RetryEntry describes one pending scheduled retry.
type RetryEntry struct {
	DeliveryID  string
	Channel     domain.Channel
	Attempts    int
	NextRetryAt time.Time
}

type retryTask struct {
	deliveryID  string
	channel     domain.Channel
	attempts    int
	nextRetryAt time.Time
	gen         uint64
	timer       *time.Timer
}

// RetryScheduler owns the cancellable delayed retry tasks, keyed by delivery
// id. At most one pending task exists per delivery: scheduling again is an
// atomic cancel-and-replace, and every task carries a generation number that
// the firing path re-checks so a cancelled task aborts even when its timer
// already fired.
type RetryScheduler struct {
	mu     sync.Mutex
	tasks  map[string]*retryTask
	gen    uint64
	closed bool

	rules       *rules.Registry
	gate        BreakerGate
	deliveries  store.DeliveryStore
	senders     *sender.Registry
	rateLimiter ratelimit.RateLimiter
	sink        OutcomeSink
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewRetryScheduler(
	ruleRegistry *rules.Registry,
	gate BreakerGate,
	deliveries store.DeliveryStore,
	senders *sender.Registry,
	rateLimiter ratelimit.RateLimiter,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if ruleRegistry == nil {
		return nil, fmt.Errorf("rule registry is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("breaker gate is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery store is required")
	}
	if senders == nil {
		return nil, fmt.Errorf("sender registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		tasks:       make(map[string]*retryTask),
		rules:       ruleRegistry,
		gate:        gate,
		deliveries:  deliveries,
		senders:     senders,
		rateLimiter: rateLimiter,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// SetOutcomeSink wires the tracker in after construction; the tracker and
// scheduler reference each other.
func (s *RetryScheduler) SetOutcomeSink(sink OutcomeSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Schedule arms a retry for a failed delivery. It is a silent no-op when the
// delivery has exhausted its retries or the channel breaker blocks sends.
func (s *RetryScheduler) Schedule(record *domain.DeliveryRecord) {
	if record == nil {
		return
	}

	rule := s.rules.Get(record.Channel)
	if record.Attempts >= rule.MaxRetries {
		s.logger.Debug("retries exhausted, not scheduling",
			zap.String("deliveryId", record.ID),
			zap.Int("attempts", record.Attempts),
			zap.Int("maxRetries", rule.MaxRetries),
		)
		return
	}
	if !s.gate.ShouldAttempt(record.Channel) {
		s.logger.Debug("circuit open, not scheduling",
			zap.String("deliveryId", record.ID),
			zap.String("channel", record.Channel.String()),
		)
		return
	}

	delay := computeDelay(rule, record.Attempts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if existing, ok := s.tasks[record.ID]; ok {
		existing.timer.Stop()
		delete(s.tasks, record.ID)
	}

	s.gen++
	task := &retryTask{
		deliveryID:  record.ID,
		channel:     record.Channel,
		attempts:    record.Attempts,
		nextRetryAt: s.now().UTC().Add(delay),
		gen:         s.gen,
	}
	gen := task.gen
	task.timer = time.AfterFunc(delay, func() {
		s.fire(record.ID, gen)
	})
	s.tasks[record.ID] = task

	if s.metrics != nil {
		s.metrics.IncRetryScheduled(strings.ToLower(record.Channel.String()))
	}
	s.logger.Info("retry scheduled",
		zap.String("deliveryId", record.ID),
		zap.String("channel", record.Channel.String()),
		zap.Int("attempts", record.Attempts),
		zap.Duration("delay", delay),
	)
}

// Cancel removes any pending retry for the delivery and reports whether one
// existed. Safe to call when nothing is scheduled.
func (s *RetryScheduler) Cancel(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[deliveryID]
	if !ok {
		return false
	}

	task.timer.Stop()
	delete(s.tasks, deliveryID)
	return true
}

// Pending returns a snapshot of the retry queue ordered by next fire time.
func (s *RetryScheduler) Pending() []RetryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RetryEntry, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, RetryEntry{
			DeliveryID:  task.deliveryID,
			Channel:     task.channel,
			Attempts:    task.attempts,
			NextRetryAt: task.nextRetryAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out
}

// Shutdown cancels every outstanding task and rejects further scheduling.
func (s *RetryScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, task := range s.tasks {
		task.timer.Stop()
		delete(s.tasks, id)
	}
}

// fire runs when a retry timer elapses. The generation check makes a task
// that was cancelled or replaced after its timer fired abort here.
func (s *RetryScheduler) fire(deliveryID string, gen uint64) {
	s.mu.Lock()
	task, ok := s.tasks[deliveryID]
	if !ok || task.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, deliveryID)
	sink := s.sink
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	channelName := strings.ToLower(task.channel.String())

	// Re-check the breaker at fire time. When blocked the delivery stalls
	// silently until another outcome triggers scheduling again.
	if !s.gate.ShouldAttempt(task.channel) {
		if s.metrics != nil {
			s.metrics.IncRetryFired(channelName, "circuit_open")
		}
		s.logger.Info("retry aborted, circuit open",
			zap.String("deliveryId", deliveryID),
			zap.String("channel", task.channel.String()),
		)
		return
	}

	record, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		s.logger.Warn("retry aborted, delivery not loadable",
			zap.String("deliveryId", deliveryID),
			zap.Error(err),
		)
		return
	}

	channelSender, err := s.senders.Resolve(record.Channel)
	if err != nil {
		s.logger.Error("retry aborted, no sender for channel",
			zap.String("deliveryId", deliveryID),
			zap.String("channel", record.Channel.String()),
		)
		return
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.Wait(ctx, channelName); err != nil {
			s.logger.Warn("retry aborted, rate limiter wait failed",
				zap.String("deliveryId", deliveryID),
				zap.Error(err),
			)
			return
		}
	}

	attemptedAt := s.now().UTC()
	record.Attempts++
	record.Status = domain.StatusPending
	record.LastAttemptAt = &attemptedAt
	if err := s.deliveries.Put(ctx, record); err != nil {
		s.logger.Error("failed to persist delivery before send",
			zap.String("deliveryId", deliveryID),
			zap.Error(err),
		)
		return
	}

	sendStart := s.now()
	result, sendErr := channelSender.Send(ctx, *record)
	if s.metrics != nil {
		s.metrics.ObserveSendDuration(channelName, s.now().Sub(sendStart))
	}

	s.applyOutcome(record, result, sendErr)

	if s.metrics != nil {
		outcome := "delivered"
		if sendErr != nil {
			outcome = "failed"
		}
		s.metrics.IncRetryFired(channelName, outcome)
	}

	if sink == nil {
		s.logger.Error("no outcome sink wired, dropping retry outcome",
			zap.String("deliveryId", deliveryID),
		)
		return
	}
	if err := sink.TrackDelivery(ctx, record); err != nil {
		s.logger.Error("failed to track retry outcome",
			zap.String("deliveryId", deliveryID),
			zap.Error(err),
		)
	}
}

// applyOutcome maps the sender result onto the record: success means
// delivered, any sender error means failed.
func (s *RetryScheduler) applyOutcome(record *domain.DeliveryRecord, result *sender.SendResult, sendErr error) {
	if record.Metadata == nil {
		record.Metadata = make(map[string]string)
	}
	delete(record.Metadata, MetaResponseCode)
	delete(record.Metadata, MetaResponseBody)

	if sendErr == nil {
		now := s.now().UTC()
		record.Status = domain.StatusDelivered
		record.DeliveredAt = &now
		record.FailureReason = nil
		if result != nil {
			if result.StatusCode > 0 {
				record.Metadata[MetaResponseCode] = fmt.Sprintf("%d", result.StatusCode)
			}
			if body := strings.TrimSpace(result.Body); body != "" {
				record.Metadata[MetaResponseBody] = body
			}
			if externalID := strings.TrimSpace(result.ExternalID); externalID != "" {
				record.ExternalID = &externalID
			}
		}
		return
	}

	record.Status = domain.StatusFailed
	reason := sendErr.Error()
	record.FailureReason = &reason

	var sendError *sender.SendError
	if errors.As(sendErr, &sendError) && sendError.StatusCode > 0 {
		record.Metadata[MetaResponseCode] = fmt.Sprintf("%d", sendError.StatusCode)
	}
}

// computeDelay maps the attempt count onto the rule's interval schedule and
// applies the backoff strategy. The last interval repeats once attempts
// exceed the schedule length.
func computeDelay(rule domain.DeliveryRule, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	idx := attempts - 1
	if idx >= len(rule.RetryIntervals) {
		idx = len(rule.RetryIntervals) - 1
	}
	base := rule.RetryIntervals[idx]

	switch rule.BackoffStrategy {
	case domain.BackoffExponential:
		factor := attempts - 1
		if factor > 30 {
			factor = 30
		}
		return base * time.Duration(1<<uint(factor))
	case domain.BackoffLinear:
		return base * time.Duration(attempts)
	default:
		return base
	}
}
