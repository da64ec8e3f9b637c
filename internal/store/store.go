package store

import (
	"context"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
)

// WindowCounts summarizes attempt outcomes for one channel over a window.
type WindowCounts struct {
	Total    int
	ByStatus map[domain.Status]int
}

// Failures returns the attempts that count against the failure rate.
func (c WindowCounts) Failures() int {
	return c.ByStatus[domain.StatusFailed] + c.ByStatus[domain.StatusBounced]
}

// DeliveryStore is the persistence port for delivery records. Implementations
// must treat Put as an upsert keyed by record id.
type DeliveryStore interface {
	Put(ctx context.Context, record *domain.DeliveryRecord) error
	Get(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	ListByChannelSince(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.DeliveryRecord, error)
	ListIDsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
}

// AttemptStore is the persistence port for the append-only attempt log.
type AttemptStore interface {
	Append(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListByDeliveryID(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
	CountByChannelSince(ctx context.Context, channel domain.Channel, since time.Time) (WindowCounts, error)
	DeleteByDeliveryIDs(ctx context.Context, deliveryIDs []string) error
}
