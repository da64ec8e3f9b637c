package domain

import (
	"errors"
	"testing"
)

func TestParseChannelFromString(t *testing.T) {
	t.Parallel()

	channel, err := ParseChannelFromString(" email ")
	if err != nil {
		t.Fatalf("ParseChannelFromString() error = %v", err)
	}
	if channel != ChannelEmail {
		t.Fatalf("channel = %s, want %s", channel, ChannelEmail)
	}

	if _, err := ParseChannelFromString("carrier-pigeon"); !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestParseStatusFromString(t *testing.T) {
	t.Parallel()

	status, err := ParseStatusFromString("bounced")
	if err != nil {
		t.Fatalf("ParseStatusFromString() error = %v", err)
	}
	if status != StatusBounced {
		t.Fatalf("status = %s, want %s", status, StatusBounced)
	}

	if _, err := ParseStatusFromString("exploded"); !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestStatusIsFailure(t *testing.T) {
	t.Parallel()

	if !StatusFailed.IsFailure() {
		t.Fatal("FAILED should count as failure")
	}
	if !StatusBounced.IsFailure() {
		t.Fatal("BOUNCED should count as failure")
	}
	if StatusDelivered.IsFailure() {
		t.Fatal("DELIVERED should not count as failure")
	}
	if StatusPending.IsFailure() {
		t.Fatal("PENDING should not count as failure")
	}
}

func TestDeliveryRecordValidate(t *testing.T) {
	t.Parallel()

	valid := DeliveryRecord{
		ID:             "d-1",
		NotificationID: "n-1",
		UserID:         "u-1",
		Channel:        ChannelEmail,
		Status:         StatusPending,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(r *DeliveryRecord)
	}{
		{"missing id", func(r *DeliveryRecord) { r.ID = " " }},
		{"missing notification id", func(r *DeliveryRecord) { r.NotificationID = "" }},
		{"missing user id", func(r *DeliveryRecord) { r.UserID = "" }},
		{"invalid channel", func(r *DeliveryRecord) { r.Channel = "FAX" }},
		{"invalid status", func(r *DeliveryRecord) { r.Status = "LOST" }},
		{"negative attempts", func(r *DeliveryRecord) { r.Attempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			record := valid
			tt.mutate(&record)
			if err := record.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate() error = %v, want ErrValidation", err)
			}
		})
	}
}
