package handler

import (
	"time"

	"webhook-delivery-engine/internal/adapter/http/dto"
	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/pkg/apperror"
	"webhook-delivery-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

// DeliveryHandler exposes the delivery queue to out-of-process dispatchers and operators.
type DeliveryHandler struct {
	deliverySvc ports.DeliveryService
}

// NewDeliveryHandler creates a new DeliveryHandler.
func NewDeliveryHandler(deliverySvc ports.DeliveryService) *DeliveryHandler {
	return &DeliveryHandler{deliverySvc: deliverySvc}
}

// Claim handles POST /api/v1/deliveries/claim.
func (h *DeliveryHandler) Claim(c *gin.Context) {
	var req dto.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	items, err := h.deliverySvc.ClaimPending(c.Request.Context(), req.Limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	out := make([]dto.WorkItemResponse, 0, len(items))
	for i := range items {
		out = append(out, toWorkItemResponse(&items[i]))
	}
	response.List(c, out, len(out), int64(len(out)))
}

// ReportDelivered handles POST /api/v1/deliveries/:id/delivered.
func (h *DeliveryHandler) ReportDelivered(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req dto.DeliveredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	outcome := domain.DeliveredOutcome{
		ResponseCode: req.ResponseCode,
		ResponseBody: req.ResponseBody,
		Headers:      req.Headers,
	}
	if req.DeliveredAt != nil {
		outcome.DeliveredAt = req.DeliveredAt.UTC()
	}

	delivery, err := h.deliverySvc.ReportDelivered(c.Request.Context(), id, outcome)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, delivery)
}

// ReportFailed handles POST /api/v1/deliveries/:id/failed.
func (h *DeliveryHandler) ReportFailed(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req dto.FailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStrings(&req)

	outcome := domain.FailedOutcome{
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
		ResponseCode: req.ResponseCode,
		Headers:      req.Headers,
		Terminal:     req.Terminal,
	}
	if req.NextAttemptAt != nil {
		outcome.NextAttemptAt = req.NextAttemptAt.UTC()
	}

	delivery, err := h.deliverySvc.ReportFailed(c.Request.Context(), id, outcome)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, delivery)
}

// Sweep handles POST /api/v1/deliveries/sweep.
func (h *DeliveryHandler) Sweep(c *gin.Context) {
	var req dto.SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	n, err := h.deliverySvc.SweepStuck(c.Request.Context(), time.Duration(req.OlderThanMs)*time.Millisecond)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.SweepResponse{Recovered: n})
}

// Stats handles GET /api/v1/deliveries/stats.
func (h *DeliveryHandler) Stats(c *gin.Context) {
	counts, err := h.deliverySvc.QueueDepth(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, counts)
}

// OpenCircuits handles GET /api/v1/subscriptions/circuit-open.
func (h *DeliveryHandler) OpenCircuits(c *gin.Context) {
	subs, err := h.deliverySvc.ListOpenCircuits(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.List(c, subs, len(subs), int64(len(subs)))
}

// toWorkItemResponse converts a claimed item to its DTO, carrying the signing secret.
func toWorkItemResponse(item *domain.DeliveryWorkItem) dto.WorkItemResponse {
	sub := item.Subscription
	return dto.WorkItemResponse{
		Delivery: item.Delivery,
		Event:    item.Event,
		Subscription: dto.SubscriptionTarget{
			ID:                  sub.ID,
			Name:                sub.Name,
			TargetURL:           sub.TargetURL,
			SigningSecret:       sub.SigningSecret,
			DeliveryTimeoutMs:   sub.DeliveryTimeoutMs,
			MaxAttempts:         sub.MaxAttempts,
			RetryBackoffSeconds: sub.RetryBackoffSeconds,
			StaticHeaders:       sub.StaticHeaders,
		},
	}
}
