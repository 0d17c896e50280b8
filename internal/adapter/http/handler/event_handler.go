package handler

import (
	"strconv"

	"webhook-delivery-engine/internal/adapter/http/dto"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/pkg/apperror"
	"webhook-delivery-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey lets producers retry POST /events safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// EventHandler handles event ingestion and per-event status endpoints.
type EventHandler struct {
	eventSvc ports.EventService
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(eventSvc ports.EventService) *EventHandler {
	return &EventHandler{eventSvc: eventSvc}
}

// Enqueue handles POST /api/v1/events.
func (h *EventHandler) Enqueue(c *gin.Context) {
	var req dto.EnqueueEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStrings(&req)

	event, err := h.eventSvc.Enqueue(c.Request.Context(), ports.EnqueueRequest{
		EventType:      req.EventType,
		Source:         req.Source,
		CorrelationID:  req.CorrelationID,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, event)
}

// Get handles GET /api/v1/events/:id.
func (h *EventHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	event, err := h.eventSvc.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, event)
}

// Summary handles GET /api/v1/events/:id/summary.
func (h *EventHandler) Summary(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	counts, err := h.eventSvc.SummariseStatuses(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, counts)
}

// pathID parses a positive int64 path parameter, writing a 400 when it is invalid.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, apperror.Validation(name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}
