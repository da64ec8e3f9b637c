package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/studentbridge/delivery-engine/internal/breaker"
	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/rules"
	"github.com/studentbridge/delivery-engine/internal/scheduler"
	"github.com/studentbridge/delivery-engine/internal/sender"
	"github.com/studentbridge/delivery-engine/internal/stats"
	"github.com/studentbridge/delivery-engine/internal/store"
	"go.uber.org/zap"
)

type noopSender struct{}

func (noopSender) Send(_ context.Context, _ domain.DeliveryRecord) (*sender.SendResult, error) {
	return &sender.SendResult{StatusCode: 200}, nil
}

type serviceFixture struct {
	service    *DeliveryService
	deliveries *store.MemoryDeliveryStore
	attempts   *store.MemoryAttemptStore
	scheduler  *scheduler.RetryScheduler
	breakers   *breaker.Manager
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	deliveries := store.NewMemoryDeliveryStore()
	attempts := store.NewMemoryAttemptStore()
	ruleRegistry := rules.NewRegistry()
	breakers := breaker.NewManager(ruleRegistry, attempts, zap.NewNop())

	senders := sender.NewRegistry()
	for _, channel := range domain.Channels() {
		senders.Register(channel, noopSender{})
	}

	retryScheduler, err := scheduler.NewRetryScheduler(ruleRegistry, breakers, deliveries, senders, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	t.Cleanup(retryScheduler.Shutdown)

	aggregator, err := stats.NewAggregator(deliveries, breakers, stats.DefaultCacheTTL, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}

	svc, err := NewDeliveryService(deliveries, attempts, ruleRegistry, breakers, retryScheduler, aggregator, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}

	return &serviceFixture{
		service:    svc,
		deliveries: deliveries,
		attempts:   attempts,
		scheduler:  retryScheduler,
		breakers:   breakers,
	}
}

func trackedRecord(id string, channel domain.Channel, status domain.Status, attempts int) *domain.DeliveryRecord {
	return &domain.DeliveryRecord{
		ID:             id,
		NotificationID: "n-" + id,
		UserID:         "u-1",
		Channel:        channel,
		Status:         status,
		Attempts:       attempts,
	}
}

func TestTrackDeliveryPersistsRecordAndAttempt(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	record := trackedRecord("d-1", domain.ChannelEmail, domain.StatusDelivered, 1)
	if err := f.service.TrackDelivery(ctx, record); err != nil {
		t.Fatalf("TrackDelivery() error = %v", err)
	}

	status, err := f.service.GetDeliveryStatus(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDeliveryStatus() error = %v", err)
	}
	if status.Record.Status != domain.StatusDelivered {
		t.Fatalf("Status = %s, want DELIVERED", status.Record.Status)
	}
	if len(status.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(status.Attempts))
	}
	if status.Attempts[0].AttemptNumber != 1 {
		t.Fatalf("AttemptNumber = %d, want 1", status.Attempts[0].AttemptNumber)
	}
	if status.Attempts[0].Status != domain.StatusDelivered {
		t.Fatalf("attempt status = %s, want DELIVERED", status.Attempts[0].Status)
	}
}

func TestTrackDeliveryValidationError(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	record := trackedRecord("", domain.ChannelEmail, domain.StatusDelivered, 1)

	if err := f.service.TrackDelivery(context.Background(), record); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("TrackDelivery() error = %v, want ErrValidation", err)
	}
	if len(f.service.GetRetryQueueStatus()) != 0 {
		t.Fatal("nothing should be scheduled for an invalid record")
	}
}

func TestTrackDeliverySchedulesRetryOnFailure(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	// Enough delivered traffic keeps the failure rate under the 20% email
	// threshold when the failure lands.
	for i := 0; i < 9; i++ {
		ok := trackedRecord(fmt.Sprintf("d-ok-%d", i), domain.ChannelEmail, domain.StatusDelivered, 1)
		if err := f.service.TrackDelivery(ctx, ok); err != nil {
			t.Fatalf("TrackDelivery() error = %v", err)
		}
	}

	record := trackedRecord("d-1", domain.ChannelEmail, domain.StatusFailed, 1)
	reason := "smtp timeout"
	record.FailureReason = &reason
	if err := f.service.TrackDelivery(ctx, record); err != nil {
		t.Fatalf("TrackDelivery() error = %v", err)
	}

	queue := f.service.GetRetryQueueStatus()
	if len(queue) != 1 {
		t.Fatalf("retry queue = %d, want 1", len(queue))
	}
	if queue[0].DeliveryID != "d-1" || queue[0].Attempts != 1 {
		t.Fatalf("entry = %+v", queue[0])
	}

	status, err := f.service.GetDeliveryStatus(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDeliveryStatus() error = %v", err)
	}
	if status.Attempts[0].Error == nil || *status.Attempts[0].Error != "smtp timeout" {
		t.Fatalf("attempt error = %v, want smtp timeout", status.Attempts[0].Error)
	}
}

func TestTrackDeliveryDoesNotScheduleOnSuccess(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	if err := f.service.TrackDelivery(context.Background(), trackedRecord("d-1", domain.ChannelEmail, domain.StatusDelivered, 1)); err != nil {
		t.Fatalf("TrackDelivery() error = %v", err)
	}
	if len(f.service.GetRetryQueueStatus()) != 0 {
		t.Fatal("delivered outcome must not schedule a retry")
	}
}

func TestTrackDeliveryBouncedFeedsBreakerWithoutRetry(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	// Push threshold is 25%; every attempt failing trips it quickly.
	for i := 0; i < 4; i++ {
		record := trackedRecord(fmt.Sprintf("d-%d", i), domain.ChannelPush, domain.StatusBounced, 1)
		if err := f.service.TrackDelivery(ctx, record); err != nil {
			t.Fatalf("TrackDelivery() error = %v", err)
		}
	}

	if f.service.ShouldAttemptDelivery(domain.ChannelPush) {
		t.Fatal("breaker should be open after repeated bounces")
	}
	// Bounces count against the failure rate but are terminal, so no retry
	// was ever scheduled.
	for _, entry := range f.service.GetRetryQueueStatus() {
		if entry.Channel == domain.ChannelPush {
			t.Fatalf("unexpected scheduled retry: %+v", entry)
		}
	}
}

func TestGetDeliveryStatusNotFound(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	if _, err := f.service.GetDeliveryStatus(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetDeliveryStatus() error = %v, want ErrNotFound", err)
	}
	if _, err := f.service.GetDeliveryStatus(context.Background(), "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("GetDeliveryStatus() error = %v, want ErrValidation for blank id", err)
	}
}

func TestCancelRetries(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		ok := trackedRecord(fmt.Sprintf("d-ok-%d", i), domain.ChannelEmail, domain.StatusDelivered, 1)
		if err := f.service.TrackDelivery(ctx, ok); err != nil {
			t.Fatalf("TrackDelivery() error = %v", err)
		}
	}
	if err := f.service.TrackDelivery(ctx, trackedRecord("d-1", domain.ChannelEmail, domain.StatusFailed, 1)); err != nil {
		t.Fatalf("TrackDelivery() error = %v", err)
	}

	if !f.service.CancelRetries("d-1") {
		t.Fatal("CancelRetries() = false, want true")
	}
	if f.service.CancelRetries("d-1") {
		t.Fatal("CancelRetries() = true on second call, want false")
	}
}

func TestUpdateDeliveryRule(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	maxRetries := 4
	rule, err := f.service.UpdateDeliveryRule(domain.ChannelEmail, rules.RulePatch{MaxRetries: &maxRetries})
	if err != nil {
		t.Fatalf("UpdateDeliveryRule() error = %v", err)
	}
	if rule.MaxRetries != 4 {
		t.Fatalf("MaxRetries = %d, want 4", rule.MaxRetries)
	}

	list := f.service.GetDeliveryRules()
	if len(list) != len(domain.Channels()) {
		t.Fatalf("rules = %d, want %d", len(list), len(domain.Channels()))
	}
}

func TestResetCircuitBreaker(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := f.service.TrackDelivery(ctx, trackedRecord(fmt.Sprintf("d-%d", i), domain.ChannelSMS, domain.StatusFailed, 2)); err != nil {
			t.Fatalf("TrackDelivery() error = %v", err)
		}
	}
	if f.service.ShouldAttemptDelivery(domain.ChannelSMS) {
		t.Fatal("breaker should be open")
	}

	if !f.service.ResetCircuitBreaker(domain.ChannelSMS) {
		t.Fatal("ResetCircuitBreaker() = false, want true")
	}
	if !f.service.ShouldAttemptDelivery(domain.ChannelSMS) {
		t.Fatal("breaker should be closed after reset")
	}

	states := f.service.GetCircuitBreakerStates()
	for _, state := range states {
		if state.Channel == domain.ChannelSMS && state.State != domain.CircuitClosed {
			t.Fatalf("state = %s, want CLOSED", state.State)
		}
	}
}

func TestCleanupOldDeliveries(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return now }

	old := trackedRecord("d-old", domain.ChannelEmail, domain.StatusDelivered, 1)
	old.CreatedAt = now.AddDate(0, 0, -120)
	if err := f.service.TrackDelivery(ctx, old); err != nil {
		t.Fatalf("TrackDelivery() error = %v", err)
	}
	fresh := trackedRecord("d-fresh", domain.ChannelEmail, domain.StatusDelivered, 1)
	fresh.CreatedAt = now.AddDate(0, 0, -1)
	if err := f.service.TrackDelivery(ctx, fresh); err != nil {
		t.Fatalf("TrackDelivery() error = %v", err)
	}

	removed, err := f.service.CleanupOldDeliveries(ctx, 90)
	if err != nil {
		t.Fatalf("CleanupOldDeliveries() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, err := f.service.GetDeliveryStatus(ctx, "d-old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old delivery still readable: %v", err)
	}
	if _, err := f.service.GetDeliveryStatus(ctx, "d-fresh"); err != nil {
		t.Fatalf("fresh delivery should survive cleanup: %v", err)
	}

	if _, err := f.service.CleanupOldDeliveries(ctx, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("CleanupOldDeliveries(0) error = %v, want ErrValidation", err)
	}
}

func TestBuildAttemptLiftsResponseMetadata(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	attemptedAt := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	record := trackedRecord("d-1", domain.ChannelEmail, domain.StatusFailed, 2)
	record.LastAttemptAt = &attemptedAt
	reason := "gateway refused"
	record.FailureReason = &reason
	record.Metadata = map[string]string{
		scheduler.MetaResponseCode: "502",
		scheduler.MetaResponseBody: "bad gateway",
	}

	attempt := f.service.buildAttempt(record)
	if attempt.AttemptNumber != 2 {
		t.Fatalf("AttemptNumber = %d, want 2", attempt.AttemptNumber)
	}
	if attempt.ResponseCode == nil || *attempt.ResponseCode != 502 {
		t.Fatalf("ResponseCode = %v, want 502", attempt.ResponseCode)
	}
	if attempt.ResponseBody == nil || *attempt.ResponseBody != "bad gateway" {
		t.Fatalf("ResponseBody = %v, want bad gateway", attempt.ResponseBody)
	}
	if attempt.Error == nil || *attempt.Error != "gateway refused" {
		t.Fatalf("Error = %v, want gateway refused", attempt.Error)
	}
	if !attempt.CreatedAt.Equal(attemptedAt) {
		t.Fatalf("CreatedAt = %s, want %s", attempt.CreatedAt, attemptedAt)
	}
}
