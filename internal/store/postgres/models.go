package postgres

import (
	"encoding/json"
	"time"

	"github.com/studentbridge/delivery-engine/internal/domain"
)

// DeliveryRecordModel is the persistence model for the delivery_records table.
type DeliveryRecordModel struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	NotificationID string         `gorm:"type:uuid;not null"`
	UserID         string         `gorm:"type:uuid;not null"`
	Channel        domain.Channel `gorm:"type:varchar(10);not null"`
	Status         domain.Status  `gorm:"type:varchar(20);not null"`
	Attempts       int            `gorm:"not null;default:0"`
	LastAttemptAt  *time.Time
	DeliveredAt    *time.Time
	FailureReason  *string `gorm:"type:text"`
	ExternalID     *string `gorm:"type:varchar(255)"`
	Metadata       *string `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DeliveryRecordModel) TableName() string {
	return "delivery_records"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	DeliveryID    string         `gorm:"type:uuid;not null"`
	Channel       domain.Channel `gorm:"type:varchar(10);not null"`
	AttemptNumber int            `gorm:"not null"`
	Status        domain.Status  `gorm:"type:varchar(20);not null"`
	ResponseCode  *int           `gorm:"type:int"`
	ResponseBody  *string        `gorm:"type:text"`
	Error         *string        `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func recordModelFromDomain(r *domain.DeliveryRecord) *DeliveryRecordModel {
	if r == nil {
		return nil
	}

	var metadata *string
	if len(r.Metadata) > 0 {
		if encoded, err := json.Marshal(r.Metadata); err == nil {
			value := string(encoded)
			metadata = &value
		}
	}

	return &DeliveryRecordModel{
		ID:             r.ID,
		NotificationID: r.NotificationID,
		UserID:         r.UserID,
		Channel:        r.Channel,
		Status:         r.Status,
		Attempts:       r.Attempts,
		LastAttemptAt:  r.LastAttemptAt,
		DeliveredAt:    r.DeliveredAt,
		FailureReason:  r.FailureReason,
		ExternalID:     r.ExternalID,
		Metadata:       metadata,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func recordModelToDomain(m *DeliveryRecordModel) *domain.DeliveryRecord {
	if m == nil {
		return nil
	}

	var metadata map[string]string
	if m.Metadata != nil && *m.Metadata != "" {
		_ = json.Unmarshal([]byte(*m.Metadata), &metadata)
	}

	return &domain.DeliveryRecord{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		UserID:         m.UserID,
		Channel:        m.Channel,
		Status:         m.Status,
		Attempts:       m.Attempts,
		LastAttemptAt:  m.LastAttemptAt,
		DeliveredAt:    m.DeliveredAt,
		FailureReason:  m.FailureReason,
		ExternalID:     m.ExternalID,
		Metadata:       metadata,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		DeliveryID:    a.DeliveryID,
		Channel:       a.Channel,
		AttemptNumber: a.AttemptNumber,
		Status:        a.Status,
		ResponseCode:  a.ResponseCode,
		ResponseBody:  a.ResponseBody,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		DeliveryID:    m.DeliveryID,
		Channel:       m.Channel,
		AttemptNumber: m.AttemptNumber,
		Status:        m.Status,
		ResponseCode:  m.ResponseCode,
		ResponseBody:  m.ResponseBody,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}
