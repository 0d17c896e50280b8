package ports

import (
	"context"
	"encoding/json"
	"time"

	"webhook-delivery-engine/internal/core/domain"
)

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildSignedContent(timestamp int64, body []byte) string
}

// TokenService handles JWT token operations for API callers.
type TokenService interface {
	Generate(subject string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject string
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached response JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SweepLock elects a single sweeper across worker processes.
type SweepLock interface {
	// TryAcquire takes the lock for owner if it is free. Returns false if held by someone else.
	TryAcquire(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	// Release drops the lock only if owner still holds it.
	Release(ctx context.Context, owner string) error
}

// --- Service Ports (Business Logic) ---

// EventService records events and fans them out to subscriptions.
type EventService interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*domain.WebhookEvent, error)
	Get(ctx context.Context, id int64) (*domain.WebhookEvent, error)
	SummariseStatuses(ctx context.Context, eventID int64) (domain.StatusCounts, error)
}

// EnqueueRequest holds validated input for event ingestion.
type EnqueueRequest struct {
	EventType      string
	Source         *string
	CorrelationID  *string
	Payload        json.RawMessage
	Metadata       json.RawMessage
	IdempotencyKey string // optional
}

// DeliveryService is the queue-facing API used by dispatchers and operators.
type DeliveryService interface {
	ClaimPending(ctx context.Context, limit int) ([]domain.DeliveryWorkItem, error)
	ReportDelivered(ctx context.Context, deliveryID int64, outcome domain.DeliveredOutcome) (*domain.WebhookDelivery, error)
	ReportFailed(ctx context.Context, deliveryID int64, outcome domain.FailedOutcome) (*domain.WebhookDelivery, error)
	SweepStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	QueueDepth(ctx context.Context) (domain.StatusCounts, error)
	ListOpenCircuits(ctx context.Context) ([]domain.WebhookSubscription, error)
}

// DeadLetterService exposes the dead-letter archive.
type DeadLetterService interface {
	Record(ctx context.Context, entry *domain.DeadLetterEntry) error
	ListRecent(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
	Count(ctx context.Context) (int64, error)
	FindByDispatchID(ctx context.Context, dispatchID int64) (*domain.DeadLetterEntry, error)
	PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}
