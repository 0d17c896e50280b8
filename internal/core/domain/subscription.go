package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookSubscription is a registered delivery endpoint. Registration is owned
// by another system; the engine only reads the configuration and maintains the
// circuit breaker fields (ConsecutiveFailures, CircuitOpenUntil).
type WebhookSubscription struct {
	ID                            int64             `json:"id"`
	SubscriptionUUID              uuid.UUID         `json:"subscription_uuid"`
	Name                          string            `json:"name"`
	TargetURL                     string            `json:"target_url"`
	SigningSecret                 string            `json:"-"`
	DeliveryTimeoutMs             int               `json:"delivery_timeout_ms"`
	MaxAttempts                   int               `json:"max_attempts"`
	RetryBackoffSeconds           int               `json:"retry_backoff_seconds"`
	CircuitBreakerThreshold       int               `json:"circuit_breaker_threshold"`
	CircuitBreakerDurationSeconds int               `json:"circuit_breaker_duration_seconds"`
	ConsecutiveFailures           int               `json:"consecutive_failures"`
	CircuitOpenUntil              *time.Time        `json:"circuit_open_until,omitempty"`
	StaticHeaders                 map[string]string `json:"static_headers,omitempty"`
	EventTypes                    []string          `json:"event_types"`
	Enabled                       bool              `json:"enabled"`
}

// Matches reports whether an event of the given type should be fanned out to
// this subscription. An empty filter matches every type.
func (s *WebhookSubscription) Matches(eventType string) bool {
	if !s.Enabled {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// IsCircuitOpen reports whether deliveries to this subscription are suppressed at now.
func (s *WebhookSubscription) IsCircuitOpen(now time.Time) bool {
	return s.CircuitOpenUntil != nil && s.CircuitOpenUntil.After(now)
}

// RecordFailure applies one failed outcome to the breaker counters and returns
// true when this failure opened the circuit.
func (s *WebhookSubscription) RecordFailure(now time.Time) bool {
	s.ConsecutiveFailures++
	if s.CircuitBreakerThreshold > 0 && s.ConsecutiveFailures >= s.CircuitBreakerThreshold {
		until := now.Add(time.Duration(s.CircuitBreakerDurationSeconds) * time.Second)
		s.CircuitOpenUntil = &until
		return true
	}
	return false
}

// RecordSuccess clears the failure streak.
func (s *WebhookSubscription) RecordSuccess() {
	s.ConsecutiveFailures = 0
}
