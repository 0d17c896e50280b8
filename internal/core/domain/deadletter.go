package domain

import (
	"encoding/json"
	"time"
)

// Limits applied to dead-letter text columns.
const (
	MaxFailureReasonLen  = 120
	MaxFailureMessageLen = 4000
)

// DeadLetterEntry is the durable record of a delivery that exhausted its
// attempts. DispatchID is the delivery id and is unique.
type DeadLetterEntry struct {
	ID             int64           `json:"id"`
	DispatchID     int64           `json:"dispatch_id"`
	EventID        int64           `json:"event_id"`
	EventType      string          `json:"event_type"`
	AttemptCount   int             `json:"attempt_count"`
	FailureReason  string          `json:"failure_reason"`
	FailureMessage string          `json:"failure_message"`
	EventPayload   json.RawMessage `json:"event_payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	FailedAt       time.Time       `json:"failed_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Normalize truncates the free-text fields to their column limits.
func (e *DeadLetterEntry) Normalize() {
	e.FailureReason = Truncate(e.FailureReason, MaxFailureReasonLen)
	e.FailureMessage = Truncate(e.FailureMessage, MaxFailureMessageLen)
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
