package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
)

// MemoryDeliveryStore keeps delivery records in process memory. It backs the
// engine in tests and single-node deployments without Postgres.
type MemoryDeliveryStore struct {
	mu      sync.RWMutex
	records map[string]domain.DeliveryRecord
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{
		records: make(map[string]domain.DeliveryRecord),
	}
}

func (s *MemoryDeliveryStore) Put(_ context.Context, record *domain.DeliveryRecord) error {
	if record == nil {
		return fmt.Errorf("%w: delivery record is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneRecord(*record)
	if existing, ok := s.records[record.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	s.records[record.ID] = stored

	record.CreatedAt = stored.CreatedAt
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryDeliveryStore) Get(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: delivery %q", domain.ErrNotFound, id)
	}

	clone := cloneRecord(record)
	return &clone, nil
}

func (s *MemoryDeliveryStore) ListByChannelSince(
	_ context.Context,
	channel domain.Channel,
	since time.Time,
) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DeliveryRecord
	for _, record := range s.records {
		if record.Channel != channel {
			continue
		}
		if record.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneRecord(record))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryDeliveryStore) ListIDsOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, record := range s.records {
		if record.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryDeliveryStore) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryAttemptStore keeps the append-only attempt log in process memory.
// The append path takes the write lock only long enough to extend a slice.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]domain.DeliveryAttempt
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		attempts: make(map[string][]domain.DeliveryAttempt),
	}
}

func (s *MemoryAttemptStore) Append(_ context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("%w: delivery attempt is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[attempt.DeliveryID] = append(s.attempts[attempt.DeliveryID], *attempt)
	return nil
}

func (s *MemoryAttemptStore) ListByDeliveryID(_ context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.attempts[deliveryID]
	out := make([]domain.DeliveryAttempt, len(entries))
	copy(out, entries)

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AttemptNumber < out[j].AttemptNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryAttemptStore) CountByChannelSince(
	_ context.Context,
	channel domain.Channel,
	since time.Time,
) (WindowCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := WindowCounts{ByStatus: make(map[domain.Status]int)}
	for _, entries := range s.attempts {
		for i := range entries {
			if entries[i].Channel != channel {
				continue
			}
			if entries[i].CreatedAt.Before(since) {
				continue
			}
			counts.Total++
			counts.ByStatus[entries[i].Status]++
		}
	}
	return counts, nil
}

func (s *MemoryAttemptStore) DeleteByDeliveryIDs(_ context.Context, deliveryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range deliveryIDs {
		delete(s.attempts, id)
	}
	return nil
}

func cloneRecord(record domain.DeliveryRecord) domain.DeliveryRecord {
	clone := record
	if record.Metadata != nil {
		clone.Metadata = make(map[string]string, len(record.Metadata))
		for k, v := range record.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
