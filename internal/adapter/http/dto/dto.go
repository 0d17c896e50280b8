package dto

import (
	"encoding/json"
	"time"

	"webhook-delivery-engine/internal/core/domain"
)

// EnqueueEventRequest is the request body for POST /events.
type EnqueueEventRequest struct {
	EventType     string          `json:"event_type" binding:"required,max=200,event_type"`
	Source        *string         `json:"source,omitempty" binding:"omitempty,max=200"`
	CorrelationID *string         `json:"correlation_id,omitempty" binding:"omitempty,max=200"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ClaimRequest is the request body for POST /deliveries/claim.
type ClaimRequest struct {
	Limit int `json:"limit" binding:"required,gt=0,lte=1000"`
}

// DeliveredRequest reports a successful attempt.
type DeliveredRequest struct {
	ResponseCode int               `json:"response_code" binding:"required,gte=100,lte=599"`
	ResponseBody string            `json:"response_body"`
	Headers      map[string]string `json:"headers,omitempty"`
	DeliveredAt  *time.Time        `json:"delivered_at,omitempty"`
}

// FailedRequest reports an unsuccessful attempt.
type FailedRequest struct {
	ErrorCode     string            `json:"error_code" binding:"required,max=120"`
	ErrorMessage  string            `json:"error_message"`
	ResponseCode  *int              `json:"response_code,omitempty" binding:"omitempty,gte=100,lte=599"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Terminal      bool              `json:"terminal"`
}

// SweepRequest is the request body for POST /deliveries/sweep.
type SweepRequest struct {
	OlderThanMs int64 `json:"older_than_ms" binding:"required,gt=0"`
}

// SubscriptionTarget is the delivery configuration a dispatcher needs,
// including the signing secret that is never exposed elsewhere.
type SubscriptionTarget struct {
	ID                  int64             `json:"id"`
	Name                string            `json:"name"`
	TargetURL           string            `json:"target_url"`
	SigningSecret       string            `json:"signing_secret,omitempty"`
	DeliveryTimeoutMs   int               `json:"delivery_timeout_ms"`
	MaxAttempts         int               `json:"max_attempts"`
	RetryBackoffSeconds int               `json:"retry_backoff_seconds"`
	StaticHeaders       map[string]string `json:"static_headers,omitempty"`
}

// WorkItemResponse is one claimed delivery.
type WorkItemResponse struct {
	Delivery     domain.WebhookDelivery `json:"delivery"`
	Event        domain.WebhookEvent    `json:"event"`
	Subscription SubscriptionTarget     `json:"subscription"`
}

// SweepResponse is the response for POST /deliveries/sweep.
type SweepResponse struct {
	Recovered int64 `json:"recovered"`
}

// PurgeResponse is the response for DELETE /dead-letters.
type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

// CountResponse is the response for GET /dead-letters/count.
type CountResponse struct {
	Count int64 `json:"count"`
}
