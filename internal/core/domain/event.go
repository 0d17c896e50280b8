package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the roll-up of an event's deliveries.
type EventStatus string

const (
	EventStatusQueued    EventStatus = "queued"
	EventStatusDelivered EventStatus = "delivered"
	EventStatusPartial   EventStatus = "partial"
	EventStatusFailed    EventStatus = "failed"
)

// WebhookEvent is a domain event recorded once by a producer and fanned out
// to every matching subscription.
type WebhookEvent struct {
	ID             int64           `json:"id"`
	EventUUID      uuid.UUID       `json:"event_uuid"`
	EventType      string          `json:"event_type"`
	Status         EventStatus     `json:"status"`
	Source         *string         `json:"source,omitempty"`
	CorrelationID  *string         `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey *string         `json:"-"`
	FirstQueuedAt  time.Time       `json:"first_queued_at"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// RollUpEventStatus derives an event's status from the per-status counts of
// its deliveries. Deliveries still pending or in flight keep the event queued,
// and so does an event with no deliveries at all.
func RollUpEventStatus(counts StatusCounts) EventStatus {
	delivered := counts[DeliveryStatusDelivered]
	failed := counts[DeliveryStatusFailed]
	if counts[DeliveryStatusPending] > 0 || counts[DeliveryStatusDelivering] > 0 {
		return EventStatusQueued
	}
	switch {
	case delivered == 0 && failed == 0:
		return EventStatusQueued
	case failed == 0:
		return EventStatusDelivered
	case delivered == 0:
		return EventStatusFailed
	default:
		return EventStatusPartial
	}
}
