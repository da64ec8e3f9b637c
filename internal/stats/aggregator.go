package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/observability"
	"github.com/studentbridge/delivery-engine/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultCacheTTL bounds how stale served statistics may be.
	DefaultCacheTTL = 5 * time.Minute
	// cacheCleanupInterval drives the cache janitor that sweeps expired
	// entries in the background.
	cacheCleanupInterval = time.Minute
)

// BreakerGate reports whether a channel currently accepts send attempts;
// a blocked channel is surfaced as a tripped breaker in the stats.
type BreakerGate interface {
	ShouldAttempt(channel domain.Channel) bool
}

// Aggregator computes windowed delivery statistics from the record set.
// Results are derived data: always recomputable, cached only briefly.
type Aggregator struct {
	deliveries store.DeliveryStore
	gate       BreakerGate
	cache      *gocache.Cache
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewAggregator(
	deliveries store.DeliveryStore,
	gate BreakerGate,
	cacheTTL time.Duration,
	logger *zap.Logger,
) (*Aggregator, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery store is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("breaker gate is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Aggregator{
		deliveries: deliveries,
		gate:       gate,
		cache:      gocache.New(cacheTTL, cacheCleanupInterval),
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (a *Aggregator) SetMetrics(metrics *observability.Metrics) {
	if a == nil {
		return
	}
	a.metrics = metrics
}

// ChannelStats returns the channel's statistics for the period, serving a
// cached copy when one computed within the TTL exists.
func (a *Aggregator) ChannelStats(
	ctx context.Context,
	channel domain.Channel,
	period domain.StatsPeriod,
) (domain.ChannelStats, error) {
	if !channel.IsValid() {
		return domain.ChannelStats{}, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	if !period.IsValid() {
		return domain.ChannelStats{}, fmt.Errorf("%w: invalid stats period %q", domain.ErrValidation, period)
	}

	key := cacheKey(channel.String(), period)
	if cached, ok := a.cache.Get(key); ok {
		if stats, ok := cached.(domain.ChannelStats); ok {
			if a.metrics != nil {
				a.metrics.IncStatsCacheHit()
			}
			return stats, nil
		}
	}
	if a.metrics != nil {
		a.metrics.IncStatsCacheMiss()
	}

	stats, err := a.computeChannelStats(ctx, channel, period)
	if err != nil {
		return domain.ChannelStats{}, err
	}

	a.cache.SetDefault(key, stats)
	return stats, nil
}

// OverallStats aggregates every channel for the period, weighting the average
// delivery time by each channel's delivered count.
func (a *Aggregator) OverallStats(ctx context.Context, period domain.StatsPeriod) (domain.OverallStats, error) {
	if !period.IsValid() {
		return domain.OverallStats{}, fmt.Errorf("%w: invalid stats period %q", domain.ErrValidation, period)
	}

	key := cacheKey("overall", period)
	if cached, ok := a.cache.Get(key); ok {
		if stats, ok := cached.(domain.OverallStats); ok {
			if a.metrics != nil {
				a.metrics.IncStatsCacheHit()
			}
			return stats, nil
		}
	}
	if a.metrics != nil {
		a.metrics.IncStatsCacheMiss()
	}

	now := a.now()
	overall := domain.OverallStats{
		Period:      period,
		WindowStart: period.WindowStart(now),
		ComputedAt:  now.UTC(),
	}

	var weightedDeliveryTime time.Duration
	retried := 0
	for _, channel := range domain.Channels() {
		stats, err := a.ChannelStats(ctx, channel, period)
		if err != nil {
			return domain.OverallStats{}, err
		}

		overall.Channels = append(overall.Channels, stats)
		overall.TotalSent += stats.TotalSent
		overall.TotalDelivered += stats.TotalDelivered
		overall.TotalFailed += stats.TotalFailed
		overall.TotalBounced += stats.TotalBounced
		weightedDeliveryTime += stats.AvgDeliveryTime * time.Duration(stats.TotalDelivered)
		retried += int(stats.RetryRate / 100 * float64(stats.TotalSent))
	}

	if overall.TotalSent > 0 {
		overall.DeliveryRate = float64(overall.TotalDelivered) / float64(overall.TotalSent) * 100
		overall.RetryRate = float64(retried) / float64(overall.TotalSent) * 100
	}
	if overall.TotalDelivered > 0 {
		overall.AvgDeliveryTime = weightedDeliveryTime / time.Duration(overall.TotalDelivered)
	}

	a.cache.SetDefault(key, overall)
	return overall, nil
}

// Invalidate drops every cached window, forcing the next read to recompute.
func (a *Aggregator) Invalidate() {
	a.cache.Flush()
}

func (a *Aggregator) computeChannelStats(
	ctx context.Context,
	channel domain.Channel,
	period domain.StatsPeriod,
) (domain.ChannelStats, error) {
	now := a.now()
	windowStart := period.WindowStart(now)

	records, err := a.deliveries.ListByChannelSince(ctx, channel, windowStart)
	if err != nil {
		return domain.ChannelStats{}, fmt.Errorf("failed to load deliveries for stats: %w", err)
	}

	stats := domain.ChannelStats{
		Channel:        channel,
		Period:         period,
		WindowStart:    windowStart,
		TotalSent:      len(records),
		CircuitTripped: !a.gate.ShouldAttempt(channel),
		ComputedAt:     now.UTC(),
	}

	var totalDeliveryTime time.Duration
	retried := 0
	for i := range records {
		record := &records[i]
		switch record.Status {
		case domain.StatusDelivered:
			stats.TotalDelivered++
			if record.DeliveredAt != nil {
				totalDeliveryTime += record.DeliveredAt.Sub(record.CreatedAt)
			}
		case domain.StatusFailed:
			stats.TotalFailed++
		case domain.StatusBounced:
			stats.TotalBounced++
		}
		if record.Attempts > 1 {
			retried++
		}
	}

	if stats.TotalSent > 0 {
		stats.DeliveryRate = float64(stats.TotalDelivered) / float64(stats.TotalSent) * 100
		stats.RetryRate = float64(retried) / float64(stats.TotalSent) * 100
	}
	if stats.TotalDelivered > 0 {
		stats.AvgDeliveryTime = totalDeliveryTime / time.Duration(stats.TotalDelivered)
	}

	return stats, nil
}

func cacheKey(scope string, period domain.StatsPeriod) string {
	return fmt.Sprintf("stats:%s:%s", strings.ToLower(scope), period)
}
