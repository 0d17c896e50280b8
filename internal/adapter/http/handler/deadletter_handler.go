package handler

import (
	"strconv"
	"time"

	"webhook-delivery-engine/internal/adapter/http/dto"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/pkg/apperror"
	"webhook-delivery-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

const defaultDeadLetterLimit = 50

// DeadLetterHandler handles the dead-letter archive endpoints.
type DeadLetterHandler struct {
	deadLetterSvc ports.DeadLetterService
}

// NewDeadLetterHandler creates a new DeadLetterHandler.
func NewDeadLetterHandler(deadLetterSvc ports.DeadLetterService) *DeadLetterHandler {
	return &DeadLetterHandler{deadLetterSvc: deadLetterSvc}
}

// List handles GET /api/v1/dead-letters?limit=.
func (h *DeadLetterHandler) List(c *gin.Context) {
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, apperror.Validation("limit must be an integer"))
			return
		}
		limit = v
	}

	entries, err := h.deadLetterSvc.ListRecent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	total, err := h.deadLetterSvc.Count(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.List(c, entries, len(entries), total)
}

// Count handles GET /api/v1/dead-letters/count.
func (h *DeadLetterHandler) Count(c *gin.Context) {
	n, err := h.deadLetterSvc.Count(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.CountResponse{Count: n})
}

// Get handles GET /api/v1/dead-letters/:dispatchId.
func (h *DeadLetterHandler) Get(c *gin.Context) {
	dispatchID, ok := pathID(c, "dispatchId")
	if !ok {
		return
	}

	entry, err := h.deadLetterSvc.FindByDispatchID(c.Request.Context(), dispatchID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entry)
}

// Purge handles DELETE /api/v1/dead-letters?older_than=<RFC3339>.
func (h *DeadLetterHandler) Purge(c *gin.Context) {
	threshold, err := time.Parse(time.RFC3339, c.Query("older_than"))
	if err != nil {
		response.Error(c, apperror.Validation("older_than must be an RFC3339 timestamp"))
		return
	}

	n, err := h.deadLetterSvc.PurgeOlderThan(c.Request.Context(), threshold.UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.PurgeResponse{Purged: n})
}
