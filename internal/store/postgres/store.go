package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ store.DeliveryStore = (*GormDeliveryStore)(nil)
	_ store.AttemptStore  = (*GormAttemptStore)(nil)
)

// GormDeliveryStore is the durable DeliveryStore backed by Postgres.
type GormDeliveryStore struct {
	db *gorm.DB
}

func NewGormDeliveryStore(db *gorm.DB) *GormDeliveryStore {
	return &GormDeliveryStore{db: db}
}

func (s *GormDeliveryStore) Put(ctx context.Context, record *domain.DeliveryRecord) error {
	model := recordModelFromDomain(record)
	if model == nil {
		return fmt.Errorf("%w: delivery record is required", domain.ErrValidation)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return err
	}

	*record = *recordModelToDomain(model)
	return nil
}

func (s *GormDeliveryStore) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	var model DeliveryRecordModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: delivery %q", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return recordModelToDomain(&model), nil
}

func (s *GormDeliveryStore) ListByChannelSince(
	ctx context.Context,
	channel domain.Channel,
	since time.Time,
) ([]domain.DeliveryRecord, error) {
	var models []DeliveryRecordModel
	err := s.db.WithContext(ctx).
		Where("channel = ? AND created_at >= ?", channel, since).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.DeliveryRecord, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}
	return records, nil
}

func (s *GormDeliveryStore) ListIDsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&DeliveryRecordModel{}).
		Where("created_at < ?", cutoff).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormDeliveryStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&DeliveryRecordModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// GormAttemptStore is the durable AttemptStore backed by Postgres.
type GormAttemptStore struct {
	db *gorm.DB
}

func NewGormAttemptStore(db *gorm.DB) *GormAttemptStore {
	return &GormAttemptStore{db: db}
}

func (s *GormAttemptStore) Append(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(attempt)
	if model == nil {
		return fmt.Errorf("%w: delivery attempt is required", domain.ErrValidation)
	}

	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}

	*attempt = *attemptModelToDomain(model)
	return nil
}

func (s *GormAttemptStore) ListByDeliveryID(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := s.db.WithContext(ctx).
		Where("delivery_id = ?", deliveryID).
		Order("created_at ASC, attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts, nil
}

func (s *GormAttemptStore) CountByChannelSince(
	ctx context.Context,
	channel domain.Channel,
	since time.Time,
) (store.WindowCounts, error) {
	type statusCount struct {
		Status domain.Status `gorm:"column:status"`
		Count  int           `gorm:"column:count"`
	}

	var rows []statusCount
	err := s.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Select("status, COUNT(*) AS count").
		Where("channel = ? AND created_at >= ?", channel, since).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return store.WindowCounts{}, err
	}

	counts := store.WindowCounts{ByStatus: make(map[domain.Status]int, len(rows))}
	for _, row := range rows {
		counts.ByStatus[row.Status] = row.Count
		counts.Total += row.Count
	}
	return counts, nil
}

func (s *GormAttemptStore) DeleteByDeliveryIDs(ctx context.Context, deliveryIDs []string) error {
	if len(deliveryIDs) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).
		Where("delivery_id IN ?", deliveryIDs).
		Delete(&DeliveryAttemptModel{}).Error
}
