package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values.
const (
	breakerStateClosed   = 0
	breakerStateHalfOpen = 1
	breakerStateOpen     = 2
)

// Metrics stores Prometheus collectors used by the API and delivery flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec
	deliveriesTrackedTotal    *prometheus.CounterVec
	retryScheduledTotal       *prometheus.CounterVec
	retryFiredTotal           *prometheus.CounterVec
	senderSendDuration        *prometheus.HistogramVec
	circuitBreakerState       *prometheus.GaugeVec
	circuitBreakerTransitions *prometheus.CounterVec
	statsCacheHitsTotal       prometheus.Counter
	statsCacheMissesTotal     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delivery_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "delivery_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveriesTrackedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delivery_engine",
				Name:      "deliveries_tracked_total",
				Help:      "Total number of delivery outcomes recorded by channel and status.",
			},
			[]string{"channel", "status"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delivery_engine",
				Name:      "retry_scheduled_total",
				Help:      "Total number of deliveries scheduled for retry.",
			},
			[]string{"channel"},
		),
		retryFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delivery_engine",
				Name:      "retry_fired_total",
				Help:      "Total number of fired retry timers by channel and result.",
			},
			[]string{"channel", "result"},
		),
		senderSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "delivery_engine",
				Name:      "sender_send_duration_seconds",
				Help:      "Channel sender call duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "delivery_engine",
				Name:      "circuit_breaker_state",
				Help:      "Current breaker state per channel (0=closed, 1=half-open, 2=open).",
			},
			[]string{"channel"},
		),
		circuitBreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "delivery_engine",
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total breaker transitions per channel and target state.",
			},
			[]string{"channel", "to"},
		),
		statsCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "delivery_engine",
				Name:      "stats_cache_hits_total",
				Help:      "Total delivery-statistics reads served from cache.",
			},
		),
		statsCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "delivery_engine",
				Name:      "stats_cache_misses_total",
				Help:      "Total delivery-statistics reads that recomputed the window.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesTrackedTotal,
		m.retryScheduledTotal,
		m.retryFiredTotal,
		m.senderSendDuration,
		m.circuitBreakerState,
		m.circuitBreakerTransitions,
		m.statsCacheHitsTotal,
		m.statsCacheMissesTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDeliveryTracked(channel string, status string) {
	if m == nil {
		return
	}
	statusLabel := strings.TrimSpace(strings.ToLower(status))
	if statusLabel == "" {
		statusLabel = "unknown"
	}
	m.deliveriesTrackedTotal.WithLabelValues(normalizeChannel(channel), statusLabel).Inc()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncRetryFired(channel string, result string) {
	if m == nil {
		return
	}
	resultLabel := strings.TrimSpace(strings.ToLower(result))
	if resultLabel == "" {
		resultLabel = "unknown"
	}
	m.retryFiredTotal.WithLabelValues(normalizeChannel(channel), resultLabel).Inc()
}

func (m *Metrics) ObserveSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.senderSendDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) SetBreakerState(channel string, state string) {
	if m == nil {
		return
	}

	value := breakerStateClosed
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "OPEN":
		value = breakerStateOpen
	case "HALF_OPEN":
		value = breakerStateHalfOpen
	}
	m.circuitBreakerState.WithLabelValues(normalizeChannel(channel)).Set(float64(value))
}

func (m *Metrics) IncBreakerTransition(channel string, to string) {
	if m == nil {
		return
	}
	toLabel := strings.TrimSpace(strings.ToLower(to))
	if toLabel == "" {
		toLabel = "unknown"
	}
	m.circuitBreakerTransitions.WithLabelValues(normalizeChannel(channel), toLabel).Inc()
}

func (m *Metrics) IncStatsCacheHit() {
	if m == nil {
		return
	}
	m.statsCacheHitsTotal.Inc()
}

func (m *Metrics) IncStatsCacheMiss() {
	if m == nil {
		return
	}
	m.statsCacheMissesTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeChannel(channel string) string {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
