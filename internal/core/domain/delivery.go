package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the state of one (event, subscription) work item.
//
//	pending ──claim──▶ delivering ──delivered──▶ delivered
//	   ▲                   │
//	   └──retryable fail───┤
//	                       └──terminal fail──▶ failed
//
// The sweeper moves abandoned delivering rows back to pending.
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusDelivering DeliveryStatus = "delivering"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

// AllDeliveryStatuses lists every status in lifecycle order.
var AllDeliveryStatuses = []DeliveryStatus{
	DeliveryStatusPending,
	DeliveryStatusDelivering,
	DeliveryStatusDelivered,
	DeliveryStatusFailed,
}

// IsTerminal returns true for statuses that never change again.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed
}

// AcceptsDelivered reports whether a delivered outcome may be recorded for a
// delivery in status s. Pending is only a candidate: see WebhookDelivery.AcceptsDelivered.
func (s DeliveryStatus) AcceptsDelivered() bool {
	return s == DeliveryStatusPending || s == DeliveryStatusDelivering
}

// AcceptsFailure reports whether a failed outcome may be recorded for a
// delivery in status s. A terminal failure may be recorded again on a failed
// row, which refreshes its dead letter.
func (s DeliveryStatus) AcceptsFailure(terminal bool) bool {
	if s == DeliveryStatusPending || s == DeliveryStatusDelivering {
		return true
	}
	return terminal && s == DeliveryStatusFailed
}

// StatusCounts maps a delivery status to the number of rows in it.
type StatusCounts map[DeliveryStatus]int64

// WithAllStatuses returns a copy holding an entry for every status, zero-filled.
func (c StatusCounts) WithAllStatuses() StatusCounts {
	out := make(StatusCounts, len(AllDeliveryStatuses))
	for _, s := range AllDeliveryStatuses {
		out[s] = c[s]
	}
	return out
}

// WebhookDelivery is one attempt-tracking row per (event, subscription) pair.
type WebhookDelivery struct {
	ID              int64             `json:"id"`
	DeliveryUUID    uuid.UUID         `json:"delivery_uuid"`
	EventID         int64             `json:"event_id"`
	SubscriptionID  int64             `json:"subscription_id"`
	Status          DeliveryStatus    `json:"status"`
	AttemptCount    int               `json:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts"`
	NextAttemptAt   time.Time         `json:"next_attempt_at"`
	LastAttemptAt   *time.Time        `json:"last_attempt_at,omitempty"`
	ResponseCode    *int              `json:"response_code,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
	ErrorCode       *string           `json:"error_code,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	DeliveryHeaders map[string]string `json:"delivery_headers,omitempty"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
	FailedAt        *time.Time        `json:"failed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// wasClaimed reports whether a worker has leased the row at least once. A
// pending row that was leased before may still receive the report of its last
// attempt; one that never was has no attempt to report.
func (d *WebhookDelivery) wasClaimed() bool {
	return d.Status != DeliveryStatusPending || d.LastAttemptAt != nil
}

// AcceptsDelivered reports whether a delivered outcome may be recorded for d.
func (d *WebhookDelivery) AcceptsDelivered() bool {
	return d.Status.AcceptsDelivered() && d.wasClaimed()
}

// AcceptsFailure reports whether a failed outcome may be recorded for d.
func (d *WebhookDelivery) AcceptsFailure(terminal bool) bool {
	return d.Status.AcceptsFailure(terminal) && d.wasClaimed()
}

// DeliveryWorkItem is a claimed delivery together with everything a dispatcher
// needs to attempt it.
type DeliveryWorkItem struct {
	Delivery     WebhookDelivery     `json:"delivery"`
	Event        WebhookEvent        `json:"event"`
	Subscription WebhookSubscription `json:"subscription"`
}

// DeliveredOutcome is reported after a successful HTTP attempt.
type DeliveredOutcome struct {
	ResponseCode int
	ResponseBody string
	Headers      map[string]string
	DeliveredAt  time.Time
}

// FailedOutcome is reported after an unsuccessful HTTP attempt. NextAttemptAt
// is ignored when Terminal is set.
type FailedOutcome struct {
	ErrorCode     string
	ErrorMessage  string
	ResponseCode  *int
	NextAttemptAt time.Time
	Headers       map[string]string
	Terminal      bool
}

// EncodeHeaders serializes a header snapshot for a JSON column.
func EncodeHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		h = map[string]string{}
	}
	return json.Marshal(h)
}

// DecodeHeaders parses a header snapshot; empty input yields nil.
func DecodeHeaders(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	return h, nil
}
