package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before any state change.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups for unknown delivery ids.
	ErrNotFound = errors.New("not found")
)
