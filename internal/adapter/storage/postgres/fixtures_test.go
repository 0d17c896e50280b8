package postgres

import (
	"encoding/json"
	"strings"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
)

func strPtr(s string) *string { return &s }

// anyArgs matches n arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func intPtr(i int) *int { return &i }

func testNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// columnNames turns one of the repository column constants into row headers.
func columnNames(cols string) []string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func newTestEvent() *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:            7,
		EventUUID:     uuid.New(),
		EventType:     "order.paid",
		Status:        domain.EventStatusQueued,
		Source:        strPtr("checkout"),
		CorrelationID: strPtr("corr-1"),
		Payload:       json.RawMessage(`{"order_id":"A-1"}`),
		Metadata:      json.RawMessage(`{"tenant":"t1"}`),
		FirstQueuedAt: testNow(),
	}
}

func eventValues(e *domain.WebhookEvent) []any {
	return []any{
		e.ID, e.EventUUID, e.EventType, e.Status, e.Source, e.CorrelationID,
		e.Payload, e.Metadata, e.IdempotencyKey, e.FirstQueuedAt,
		e.LastAttemptAt, e.DeliveredAt, e.FailedAt,
	}
}

func newTestSubscription() *domain.WebhookSubscription {
	return &domain.WebhookSubscription{
		ID:                            3,
		SubscriptionUUID:              uuid.New(),
		Name:                          "billing",
		TargetURL:                     "https://hooks.example.com/billing",
		SigningSecret:                 "whsec_test",
		DeliveryTimeoutMs:             5000,
		MaxAttempts:                   3,
		RetryBackoffSeconds:           10,
		CircuitBreakerThreshold:       2,
		CircuitBreakerDurationSeconds: 300,
		StaticHeaders:                 map[string]string{"X-Tenant": "t1"},
		EventTypes:                    []string{"order.paid"},
		Enabled:                       true,
	}
}

func subscriptionValues(s *domain.WebhookSubscription) []any {
	headers, _ := domain.EncodeHeaders(s.StaticHeaders)
	return []any{
		s.ID, s.SubscriptionUUID, s.Name, s.TargetURL, s.SigningSecret,
		s.DeliveryTimeoutMs, s.MaxAttempts, s.RetryBackoffSeconds,
		s.CircuitBreakerThreshold, s.CircuitBreakerDurationSeconds,
		s.ConsecutiveFailures, s.CircuitOpenUntil, headers, s.EventTypes, s.Enabled,
	}
}

func newTestDelivery(eventID, subscriptionID int64) *domain.WebhookDelivery {
	now := testNow()
	return &domain.WebhookDelivery{
		ID:             11,
		DeliveryUUID:   uuid.New(),
		EventID:        eventID,
		SubscriptionID: subscriptionID,
		Status:         domain.DeliveryStatusPending,
		MaxAttempts:    3,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
}

func deliveryValues(d *domain.WebhookDelivery) []any {
	headers, _ := domain.EncodeHeaders(d.DeliveryHeaders)
	return []any{
		d.ID, d.DeliveryUUID, d.EventID, d.SubscriptionID, d.Status,
		d.AttemptCount, d.MaxAttempts, d.NextAttemptAt, d.LastAttemptAt,
		d.ResponseCode, d.ResponseBody, d.ErrorCode, d.ErrorMessage,
		headers, d.DeliveredAt, d.FailedAt, d.CreatedAt,
	}
}

func deliveryRow(d *domain.WebhookDelivery) *pgxmock.Rows {
	return pgxmock.NewRows(columnNames(deliveryColumns)).AddRow(deliveryValues(d)...)
}
