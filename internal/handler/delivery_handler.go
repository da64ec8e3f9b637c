package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/rules"
	"github.com/studentbridge/delivery-engine/internal/scheduler"
	"github.com/studentbridge/delivery-engine/internal/service"
)

const defaultStatsPeriod = domain.PeriodDay

type DeliveryService interface {
	TrackDelivery(ctx context.Context, record *domain.DeliveryRecord) error
	GetDeliveryStatus(ctx context.Context, deliveryID string) (*service.DeliveryStatus, error)
	GetChannelStats(ctx context.Context, channel domain.Channel, period domain.StatsPeriod) (domain.ChannelStats, error)
	GetOverallStats(ctx context.Context, period domain.StatsPeriod) (domain.OverallStats, error)
	GetCircuitBreakerStates() []domain.CircuitBreakerState
	ResetCircuitBreaker(channel domain.Channel) bool
	UpdateDeliveryRule(channel domain.Channel, patch rules.RulePatch) (domain.DeliveryRule, error)
	GetDeliveryRules() []domain.DeliveryRule
	CancelRetries(deliveryID string) bool
	GetRetryQueueStatus() []scheduler.RetryEntry
	CleanupOldDeliveries(ctx context.Context, olderThanDays int) (int, error)
}

type DeliveryHandler struct {
	service DeliveryService
}

func NewDeliveryHandler(service DeliveryService) (*DeliveryHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("delivery service is required")
	}
	return &DeliveryHandler{service: service}, nil
}

func RegisterDeliveryRoutes(router fiber.Router, service DeliveryService) error {
	h, err := NewDeliveryHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/deliveries/track", h.TrackDelivery)
	v1.Get("/deliveries/:id", h.GetDeliveryStatus)
	v1.Delete("/deliveries/:id/retries", h.CancelRetries)
	v1.Get("/retries", h.GetRetryQueue)
	v1.Get("/channels/:channel/stats", h.GetChannelStats)
	v1.Get("/stats", h.GetOverallStats)
	v1.Get("/circuit-breakers", h.GetCircuitBreakers)
	v1.Post("/circuit-breakers/:channel/reset", h.ResetCircuitBreaker)
	v1.Get("/rules", h.GetRules)
	v1.Patch("/rules/:channel", h.UpdateRule)
	v1.Post("/maintenance/cleanup", h.Cleanup)

	return nil
}

type trackDeliveryRequest struct {
	DeliveryID     string            `json:"deliveryId"`
	NotificationID string            `json:"notificationId"`
	UserID         string            `json:"userId"`
	Channel        string            `json:"channel"`
	Status         string            `json:"status"`
	Attempts       int               `json:"attempts"`
	LastAttemptAt  *time.Time        `json:"lastAttemptAt,omitempty"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	FailureReason  *string           `json:"failureReason,omitempty"`
	ExternalID     *string           `json:"externalId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type deliveryRecordResponse struct {
	DeliveryID     string            `json:"deliveryId"`
	NotificationID string            `json:"notificationId"`
	UserID         string            `json:"userId"`
	Channel        string            `json:"channel"`
	Status         string            `json:"status"`
	Attempts       int               `json:"attempts"`
	LastAttemptAt  *time.Time        `json:"lastAttemptAt,omitempty"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	FailureReason  *string           `json:"failureReason,omitempty"`
	ExternalID     *string           `json:"externalId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type deliveryAttemptResponse struct {
	ID            string    `json:"id"`
	AttemptNumber int       `json:"attemptNumber"`
	Status        string    `json:"status"`
	ResponseCode  *int      `json:"responseCode,omitempty"`
	ResponseBody  *string   `json:"responseBody,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type deliveryStatusResponse struct {
	Record   deliveryRecordResponse    `json:"record"`
	Attempts []deliveryAttemptResponse `json:"attempts"`
}

type channelStatsResponse struct {
	Channel         string    `json:"channel"`
	Period          string    `json:"period"`
	WindowStart     time.Time `json:"windowStart"`
	TotalSent       int       `json:"totalSent"`
	TotalDelivered  int       `json:"totalDelivered"`
	TotalFailed     int       `json:"totalFailed"`
	TotalBounced    int       `json:"totalBounced"`
	DeliveryRate    float64   `json:"deliveryRate"`
	AvgDeliveryTime string    `json:"avgDeliveryTime"`
	RetryRate       float64   `json:"retryRate"`
	CircuitTripped  bool      `json:"circuitTripped"`
	ComputedAt      time.Time `json:"computedAt"`
}

type overallStatsResponse struct {
	Period          string                 `json:"period"`
	WindowStart     time.Time              `json:"windowStart"`
	TotalSent       int                    `json:"totalSent"`
	TotalDelivered  int                    `json:"totalDelivered"`
	TotalFailed     int                    `json:"totalFailed"`
	TotalBounced    int                    `json:"totalBounced"`
	DeliveryRate    float64                `json:"deliveryRate"`
	AvgDeliveryTime string                 `json:"avgDeliveryTime"`
	RetryRate       float64                `json:"retryRate"`
	Channels        []channelStatsResponse `json:"channels"`
	ComputedAt      time.Time              `json:"computedAt"`
}

type circuitBreakerResponse struct {
	Channel         string     `json:"channel"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failureCount"`
	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`
	OpenedAt        *time.Time `json:"openedAt,omitempty"`
	NextRetryTime   *time.Time `json:"nextRetryTime,omitempty"`
}

type deliveryRuleResponse struct {
	Channel                string    `json:"channel"`
	MaxRetries             int       `json:"maxRetries"`
	RetryIntervals         []string  `json:"retryIntervals"`
	BackoffStrategy        string    `json:"backoffStrategy"`
	FailureThreshold       float64   `json:"failureThreshold"`
	CircuitBreakerDuration string    `json:"circuitBreakerDuration"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

type updateRuleRequest struct {
	MaxRetries             *int     `json:"maxRetries,omitempty"`
	RetryIntervals         []string `json:"retryIntervals,omitempty"`
	BackoffStrategy        *string  `json:"backoffStrategy,omitempty"`
	FailureThreshold       *float64 `json:"failureThreshold,omitempty"`
	CircuitBreakerDuration *string  `json:"circuitBreakerDuration,omitempty"`
}

type retryEntryResponse struct {
	DeliveryID  string    `json:"deliveryId"`
	Channel     string    `json:"channel"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"nextRetryAt"`
}

type cleanupRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

func (h *DeliveryHandler) TrackDelivery(c *fiber.Ctx) error {
	var req trackDeliveryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	record, err := requestToDeliveryRecord(req)
	if err != nil {
		return toHTTPError(err)
	}

	if err := h.service.TrackDelivery(c.Context(), &record); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toDeliveryRecordResponse(record))
}

func (h *DeliveryHandler) GetDeliveryStatus(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	status, err := h.service.GetDeliveryStatus(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts := make([]deliveryAttemptResponse, 0, len(status.Attempts))
	for _, attempt := range status.Attempts {
		attempts = append(attempts, deliveryAttemptResponse{
			ID:            attempt.ID,
			AttemptNumber: attempt.AttemptNumber,
			Status:        attempt.Status.String(),
			ResponseCode:  attempt.ResponseCode,
			ResponseBody:  attempt.ResponseBody,
			Error:         attempt.Error,
			CreatedAt:     attempt.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(deliveryStatusResponse{
		Record:   toDeliveryRecordResponse(status.Record),
		Attempts: attempts,
	})
}

func (h *DeliveryHandler) CancelRetries(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return toHTTPError(fmt.Errorf("%w: delivery id is required", domain.ErrValidation))
	}

	canceled := h.service.CancelRetries(id)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"deliveryId": id,
		"canceled":   canceled,
	})
}

func (h *DeliveryHandler) GetRetryQueue(c *fiber.Ctx) error {
	entries := h.service.GetRetryQueueStatus()

	out := make([]retryEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, retryEntryResponse{
			DeliveryID:  entry.DeliveryID,
			Channel:     entry.Channel.String(),
			Attempts:    entry.Attempts,
			NextRetryAt: entry.NextRetryAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"pending": len(out),
		"entries": out,
	})
}

func (h *DeliveryHandler) GetChannelStats(c *fiber.Ctx) error {
	channel, err := domain.ParseChannelFromString(c.Params("channel"))
	if err != nil {
		return toHTTPError(err)
	}
	period, err := parsePeriodQuery(c)
	if err != nil {
		return toHTTPError(err)
	}

	stats, err := h.service.GetChannelStats(c.Context(), channel, period)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toChannelStatsResponse(stats))
}

func (h *DeliveryHandler) GetOverallStats(c *fiber.Ctx) error {
	period, err := parsePeriodQuery(c)
	if err != nil {
		return toHTTPError(err)
	}

	stats, err := h.service.GetOverallStats(c.Context(), period)
	if err != nil {
		return toHTTPError(err)
	}

	channels := make([]channelStatsResponse, 0, len(stats.Channels))
	for _, channelStats := range stats.Channels {
		channels = append(channels, toChannelStatsResponse(channelStats))
	}

	return c.Status(fiber.StatusOK).JSON(overallStatsResponse{
		Period:          stats.Period.String(),
		WindowStart:     stats.WindowStart,
		TotalSent:       stats.TotalSent,
		TotalDelivered:  stats.TotalDelivered,
		TotalFailed:     stats.TotalFailed,
		TotalBounced:    stats.TotalBounced,
		DeliveryRate:    stats.DeliveryRate,
		AvgDeliveryTime: stats.AvgDeliveryTime.String(),
		RetryRate:       stats.RetryRate,
		Channels:        channels,
		ComputedAt:      stats.ComputedAt,
	})
}

func (h *DeliveryHandler) GetCircuitBreakers(c *fiber.Ctx) error {
	states := h.service.GetCircuitBreakerStates()

	out := make([]circuitBreakerResponse, 0, len(states))
	for _, state := range states {
		out = append(out, circuitBreakerResponse{
			Channel:         state.Channel.String(),
			State:           state.State.String(),
			FailureCount:    state.FailureCount,
			LastFailureTime: state.LastFailureTime,
			OpenedAt:        state.OpenedAt,
			NextRetryTime:   state.NextRetryTime,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"breakers": out,
	})
}

func (h *DeliveryHandler) ResetCircuitBreaker(c *fiber.Ctx) error {
	channel, err := domain.ParseChannelFromString(c.Params("channel"))
	if err != nil {
		return toHTTPError(err)
	}

	h.service.ResetCircuitBreaker(channel)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"channel": channel.String(),
		"state":   domain.CircuitClosed.String(),
	})
}

func (h *DeliveryHandler) GetRules(c *fiber.Ctx) error {
	ruleList := h.service.GetDeliveryRules()

	out := make([]deliveryRuleResponse, 0, len(ruleList))
	for _, rule := range ruleList {
		out = append(out, toDeliveryRuleResponse(rule))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"rules": out,
	})
}

func (h *DeliveryHandler) UpdateRule(c *fiber.Ctx) error {
	channel, err := domain.ParseChannelFromString(c.Params("channel"))
	if err != nil {
		return toHTTPError(err)
	}

	var req updateRuleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	patch, err := requestToRulePatch(req)
	if err != nil {
		return toHTTPError(err)
	}

	rule, err := h.service.UpdateDeliveryRule(channel, patch)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toDeliveryRuleResponse(rule))
}

func (h *DeliveryHandler) Cleanup(c *fiber.Ctx) error {
	var req cleanupRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	removed, err := h.service.CleanupOldDeliveries(c.Context(), req.OlderThanDays)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"removed":       removed,
		"olderThanDays": req.OlderThanDays,
	})
}

func parsePeriodQuery(c *fiber.Ctx) (domain.StatsPeriod, error) {
	raw := strings.TrimSpace(c.Query("period"))
	if raw == "" {
		return defaultStatsPeriod, nil
	}
	return domain.ParseStatsPeriodFromString(raw)
}

func requestToDeliveryRecord(req trackDeliveryRequest) (domain.DeliveryRecord, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}

	status, err := domain.ParseStatusFromString(req.Status)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}

	return domain.DeliveryRecord{
		ID:             strings.TrimSpace(req.DeliveryID),
		NotificationID: strings.TrimSpace(req.NotificationID),
		UserID:         strings.TrimSpace(req.UserID),
		Channel:        channel,
		Status:         status,
		Attempts:       req.Attempts,
		LastAttemptAt:  req.LastAttemptAt,
		DeliveredAt:    req.DeliveredAt,
		FailureReason:  req.FailureReason,
		ExternalID:     req.ExternalID,
		Metadata:       req.Metadata,
	}, nil
}

func requestToRulePatch(req updateRuleRequest) (rules.RulePatch, error) {
	patch := rules.RulePatch{
		MaxRetries:       req.MaxRetries,
		FailureThreshold: req.FailureThreshold,
	}

	if req.RetryIntervals != nil {
		intervals := make([]time.Duration, 0, len(req.RetryIntervals))
		for _, raw := range req.RetryIntervals {
			interval, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return rules.RulePatch{}, fmt.Errorf("%w: invalid retry interval %q", domain.ErrValidation, raw)
			}
			intervals = append(intervals, interval)
		}
		patch.RetryIntervals = intervals
	}

	if req.BackoffStrategy != nil {
		strategy, err := domain.ParseBackoffStrategyFromString(*req.BackoffStrategy)
		if err != nil {
			return rules.RulePatch{}, err
		}
		patch.BackoffStrategy = &strategy
	}

	if req.CircuitBreakerDuration != nil {
		duration, err := time.ParseDuration(strings.TrimSpace(*req.CircuitBreakerDuration))
		if err != nil {
			return rules.RulePatch{}, fmt.Errorf(
				"%w: invalid circuit breaker duration %q", domain.ErrValidation, *req.CircuitBreakerDuration,
			)
		}
		patch.CircuitBreakerDuration = &duration
	}

	return patch, nil
}

func toDeliveryRecordResponse(record domain.DeliveryRecord) deliveryRecordResponse {
	return deliveryRecordResponse{
		DeliveryID:     record.ID,
		NotificationID: record.NotificationID,
		UserID:         record.UserID,
		Channel:        record.Channel.String(),
		Status:         record.Status.String(),
		Attempts:       record.Attempts,
		LastAttemptAt:  record.LastAttemptAt,
		DeliveredAt:    record.DeliveredAt,
		FailureReason:  record.FailureReason,
		ExternalID:     record.ExternalID,
		Metadata:       record.Metadata,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func toChannelStatsResponse(stats domain.ChannelStats) channelStatsResponse {
	return channelStatsResponse{
		Channel:         stats.Channel.String(),
		Period:          stats.Period.String(),
		WindowStart:     stats.WindowStart,
		TotalSent:       stats.TotalSent,
		TotalDelivered:  stats.TotalDelivered,
		TotalFailed:     stats.TotalFailed,
		TotalBounced:    stats.TotalBounced,
		DeliveryRate:    stats.DeliveryRate,
		AvgDeliveryTime: stats.AvgDeliveryTime.String(),
		RetryRate:       stats.RetryRate,
		CircuitTripped:  stats.CircuitTripped,
		ComputedAt:      stats.ComputedAt,
	}
}

func toDeliveryRuleResponse(rule domain.DeliveryRule) deliveryRuleResponse {
	intervals := make([]string, 0, len(rule.RetryIntervals))
	for _, interval := range rule.RetryIntervals {
		intervals = append(intervals, interval.String())
	}

	return deliveryRuleResponse{
		Channel:                rule.Channel.String(),
		MaxRetries:             rule.MaxRetries,
		RetryIntervals:         intervals,
		BackoffStrategy:        rule.BackoffStrategy.String(),
		FailureThreshold:       rule.FailureThreshold,
		CircuitBreakerDuration: rule.CircuitBreakerDuration.String(),
		UpdatedAt:              rule.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return err
	}
}
