package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/studentbridge/delivery-engine/internal/breaker"
	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/observability"
	"github.com/studentbridge/delivery-engine/internal/rules"
	"github.com/studentbridge/delivery-engine/internal/scheduler"
	"github.com/studentbridge/delivery-engine/internal/stats"
	"github.com/studentbridge/delivery-engine/internal/store"
	"go.uber.org/zap"
)

// DeliveryStatus is the full read view of one delivery: the record plus its
// attempt log ordered by timestamp ascending.
type DeliveryStatus struct {
	Record   domain.DeliveryRecord
	Attempts []domain.DeliveryAttempt
}

// DeliveryService is the delivery-reliability facade. The dispatch layer
// reports outcomes through TrackDelivery; administrative and reporting
// surfaces consume the remaining operations.
type DeliveryService struct {
	deliveries store.DeliveryStore
	attempts   store.AttemptStore
	rules      *rules.Registry
	breakers   *breaker.Manager
	scheduler  *scheduler.RetryScheduler
	stats      *stats.Aggregator
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	newID      func() string
}

func NewDeliveryService(
	deliveries store.DeliveryStore,
	attempts store.AttemptStore,
	ruleRegistry *rules.Registry,
	breakers *breaker.Manager,
	retryScheduler *scheduler.RetryScheduler,
	aggregator *stats.Aggregator,
	logger *zap.Logger,
) (*DeliveryService, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery store is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if ruleRegistry == nil {
		return nil, fmt.Errorf("rule registry is required")
	}
	if breakers == nil {
		return nil, fmt.Errorf("breaker manager is required")
	}
	if retryScheduler == nil {
		return nil, fmt.Errorf("retry scheduler is required")
	}
	if aggregator == nil {
		return nil, fmt.Errorf("stats aggregator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &DeliveryService{
		deliveries: deliveries,
		attempts:   attempts,
		rules:      ruleRegistry,
		breakers:   breakers,
		scheduler:  retryScheduler,
		stats:      aggregator,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}

	// The scheduler feeds fired-retry outcomes back through TrackDelivery.
	retryScheduler.SetOutcomeSink(s)

	return s, nil
}

func (s *DeliveryService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
	s.breakers.SetMetrics(metrics)
	s.scheduler.SetMetrics(metrics)
	s.stats.SetMetrics(metrics)
}

// TrackDelivery records one delivery outcome: it upserts the record, appends
// an attempt log entry, feeds the breaker, and schedules a retry when the
// outcome is a failure with retries remaining.
func (s *DeliveryService) TrackDelivery(ctx context.Context, record *domain.DeliveryRecord) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if err := s.deliveries.Put(ctx, record); err != nil {
		return fmt.Errorf("failed to persist delivery record: %w", err)
	}

	if err := s.attempts.Append(ctx, s.buildAttempt(record)); err != nil {
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}

	if err := s.breakers.RecordOutcome(ctx, record.Channel, record.Status); err != nil {
		return fmt.Errorf("failed to record breaker outcome: %w", err)
	}

	if record.Status == domain.StatusFailed {
		s.scheduler.Schedule(record)
	}

	if s.metrics != nil {
		s.metrics.IncDeliveryTracked(
			strings.ToLower(record.Channel.String()),
			strings.ToLower(record.Status.String()),
		)
	}

	s.logger.Debug("delivery tracked",
		zap.String("deliveryId", record.ID),
		zap.String("channel", record.Channel.String()),
		zap.String("status", record.Status.String()),
		zap.Int("attempts", record.Attempts),
	)
	return nil
}

// GetDeliveryStatus is a pure read: the record and its attempts, oldest first.
func (s *DeliveryService) GetDeliveryStatus(ctx context.Context, deliveryID string) (*DeliveryStatus, error) {
	id := strings.TrimSpace(deliveryID)
	if id == "" {
		return nil, fmt.Errorf("%w: delivery id is required", domain.ErrValidation)
	}

	record, err := s.deliveries.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	attempts, err := s.attempts.ListByDeliveryID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery attempts: %w", err)
	}

	return &DeliveryStatus{
		Record:   *record,
		Attempts: attempts,
	}, nil
}

func (s *DeliveryService) ShouldAttemptDelivery(channel domain.Channel) bool {
	return s.breakers.ShouldAttempt(channel)
}

func (s *DeliveryService) GetChannelStats(
	ctx context.Context,
	channel domain.Channel,
	period domain.StatsPeriod,
) (domain.ChannelStats, error) {
	return s.stats.ChannelStats(ctx, channel, period)
}

func (s *DeliveryService) GetOverallStats(ctx context.Context, period domain.StatsPeriod) (domain.OverallStats, error) {
	return s.stats.OverallStats(ctx, period)
}

func (s *DeliveryService) GetCircuitBreakerStates() []domain.CircuitBreakerState {
	return s.breakers.States()
}

func (s *DeliveryService) ResetCircuitBreaker(channel domain.Channel) bool {
	return s.breakers.Reset(channel)
}

func (s *DeliveryService) UpdateDeliveryRule(channel domain.Channel, patch rules.RulePatch) (domain.DeliveryRule, error) {
	rule, err := s.rules.Update(channel, patch)
	if err != nil {
		return domain.DeliveryRule{}, err
	}

	s.logger.Info("delivery rule updated",
		zap.String("channel", channel.String()),
		zap.Int("maxRetries", rule.MaxRetries),
		zap.String("backoffStrategy", rule.BackoffStrategy.String()),
		zap.Float64("failureThreshold", rule.FailureThreshold),
	)
	return rule, nil
}

func (s *DeliveryService) GetDeliveryRules() []domain.DeliveryRule {
	return s.rules.List()
}

func (s *DeliveryService) CancelRetries(deliveryID string) bool {
	return s.scheduler.Cancel(deliveryID)
}

func (s *DeliveryService) GetRetryQueueStatus() []scheduler.RetryEntry {
	return s.scheduler.Pending()
}

// CleanupOldDeliveries removes whole delivery entries (record plus attempt
// log) older than the given age and returns how many records were removed.
func (s *DeliveryService) CleanupOldDeliveries(ctx context.Context, olderThanDays int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("%w: olderThanDays must be positive (got %d)", domain.ErrValidation, olderThanDays)
	}

	cutoff := s.now().UTC().AddDate(0, 0, -olderThanDays)
	ids, err := s.deliveries.ListIDsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list old deliveries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		s.scheduler.Cancel(id)
	}

	if err := s.attempts.DeleteByDeliveryIDs(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete old delivery attempts: %w", err)
	}

	removed, err := s.deliveries.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old deliveries: %w", err)
	}

	s.logger.Info("retention cleanup completed",
		zap.Int("removed", removed),
		zap.Int("olderThanDays", olderThanDays),
	)
	return removed, nil
}

// Shutdown cancels every outstanding retry timer and drops cached stats.
func (s *DeliveryService) Shutdown() {
	s.scheduler.Shutdown()
	s.stats.Invalidate()
	s.logger.Info("delivery service shut down")
}

// buildAttempt lifts the record's current state into an immutable attempt
// log entry. Response metadata left by the firing path travels via the
// record's metadata map.
func (s *DeliveryService) buildAttempt(record *domain.DeliveryRecord) *domain.DeliveryAttempt {
	attemptNumber := record.Attempts
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	attemptedAt := s.now().UTC()
	if record.LastAttemptAt != nil {
		attemptedAt = record.LastAttemptAt.UTC()
	}

	var responseCode *int
	if raw, ok := record.Metadata[scheduler.MetaResponseCode]; ok {
		if code, err := strconv.Atoi(raw); err == nil && code > 0 {
			responseCode = &code
		}
	}

	var responseBody *string
	if raw, ok := record.Metadata[scheduler.MetaResponseBody]; ok && strings.TrimSpace(raw) != "" {
		value := raw
		responseBody = &value
	}

	var attemptErr *string
	if record.FailureReason != nil && strings.TrimSpace(*record.FailureReason) != "" {
		value := *record.FailureReason
		attemptErr = &value
	}

	return &domain.DeliveryAttempt{
		ID:            s.newID(),
		DeliveryID:    record.ID,
		Channel:       record.Channel,
		AttemptNumber: attemptNumber,
		Status:        record.Status,
		ResponseCode:  responseCode,
		ResponseBody:  responseBody,
		Error:         attemptErr,
		CreatedAt:     attemptedAt,
	}
}
