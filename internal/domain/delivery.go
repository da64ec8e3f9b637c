package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a delivery.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusBounced   Status = "BOUNCED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusBounced:
		return true
	}
	return false
}

// IsFailure reports whether the status counts against a channel's failure rate.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusBounced
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
	ChannelInApp Channel = "IN_APP"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Channels lists every known channel. Breaker states and delivery rules are
// created for each of these at startup.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}
}

// DeliveryRecord is the mutable state of one notification's delivery on one channel.
type DeliveryRecord struct {
	ID             string
	NotificationID string
	UserID         string
	Channel        Channel
	Status         Status
	Attempts       int
	LastAttemptAt  *time.Time
	DeliveredAt    *time.Time
	FailureReason  *string
	ExternalID     *string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r *DeliveryRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: delivery record is required", ErrValidation)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: delivery id is required", ErrValidation)
	}
	if strings.TrimSpace(r.NotificationID) == "" {
		return fmt.Errorf("%w: notification id is required", ErrValidation)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, r.Status)
	}
	if r.Attempts < 0 {
		return fmt.Errorf("%w: attempts must not be negative (got %d)", ErrValidation, r.Attempts)
	}
	return nil
}
