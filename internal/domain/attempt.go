package domain

import "time"

// DeliveryAttempt records a single delivery attempt outcome. Attempt entries
// are append-only; the log for a delivery is ordered by attempt number.
type DeliveryAttempt struct {
	ID            string
	DeliveryID    string
	Channel       Channel
	AttemptNumber int
	Status        Status
	ResponseCode  *int
	ResponseBody  *string
	Error         *string
	CreatedAt     time.Time
}
