package domain

import (
	"fmt"
	"strings"
	"time"
)

// CircuitState represents a channel breaker's position in the
// closed / open / half-open state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

func (s CircuitState) String() string { return string(s) }

func (s CircuitState) IsValid() bool {
	switch s {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return true
	}
	return false
}

func ParseCircuitStateFromString(s string) (CircuitState, error) {
	st := CircuitState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid circuit state %q", ErrValidation, s)
	}
	return st, nil
}

// CircuitBreakerState is the per-channel breaker snapshot. One instance
// exists per channel for the lifetime of the process.
type CircuitBreakerState struct {
	Channel         Channel
	State           CircuitState
	FailureCount    int
	LastFailureTime *time.Time
	OpenedAt        *time.Time
	// NextRetryTime is only meaningful while the breaker is open.
	NextRetryTime *time.Time
}
