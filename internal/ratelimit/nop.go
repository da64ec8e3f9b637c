package ratelimit

import "context"

var _ RateLimiter = (*NopLimiter)(nil)

// NopLimiter admits everything. It stands in for the Redis limiter when no
// Redis endpoint is configured.
type NopLimiter struct{}

func NewNopLimiter() *NopLimiter { return &NopLimiter{} }

func (NopLimiter) Allow(_ context.Context, _ string) (bool, error) { return true, nil }

func (NopLimiter) Wait(_ context.Context, _ string) error { return nil }
