package ports

import (
	"context"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// EventRepository defines persistence operations for webhook events.
type EventRepository interface {
	Create(ctx context.Context, tx pgx.Tx, event *domain.WebhookEvent) error
	GetByID(ctx context.Context, id int64) (*domain.WebhookEvent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.WebhookEvent, error)
	// UpdateStatus stores the rolled-up status and stamps last_attempt_at,
	// plus delivered_at or failed_at when the status is terminal.
	UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.EventStatus, at time.Time) error
}

// SubscriptionRepository reads subscription configuration and maintains the
// circuit breaker columns, which no other component writes.
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.WebhookSubscription, error)
	ListMatching(ctx context.Context, tx pgx.Tx, eventType string) ([]domain.WebhookSubscription, error)
	ListOpenCircuits(ctx context.Context, now time.Time) ([]domain.WebhookSubscription, error)
	// RecordFailure increments consecutive_failures and opens the circuit when
	// the threshold is reached. Returns the updated breaker state.
	RecordFailure(ctx context.Context, tx pgx.Tx, id int64, now time.Time) (*CircuitState, error)
	RecordSuccess(ctx context.Context, tx pgx.Tx, id int64) error
}

// CircuitState is the breaker snapshot after an outcome was applied.
type CircuitState struct {
	ConsecutiveFailures int
	CircuitOpenUntil    *time.Time
}

// DeliveryRepository defines persistence operations for the delivery queue.
// Methods accepting pgx.Tx are used inside transaction blocks.
type DeliveryRepository interface {
	// CreateBatch inserts all deliveries with a single statement and fills in their ids.
	CreateBatch(ctx context.Context, tx pgx.Tx, deliveries []*domain.WebhookDelivery) error
	GetByID(ctx context.Context, id int64) (*domain.WebhookDelivery, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.WebhookDelivery, error)
	// LockPending selects due deliveries on closed, enabled subscriptions, locking
	// them and skipping rows already locked by another transaction.
	LockPending(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]domain.DeliveryWorkItem, error)
	MarkDelivering(ctx context.Context, tx pgx.Tx, ids []int64, now time.Time) error
	MarkDelivered(ctx context.Context, tx pgx.Tx, id int64, outcome domain.DeliveredOutcome) (*domain.WebhookDelivery, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, outcome domain.FailedOutcome, now time.Time) (*domain.WebhookDelivery, error)
	CountByEvent(ctx context.Context, tx pgx.Tx, eventID int64) (domain.StatusCounts, error)
	CountByStatus(ctx context.Context) (domain.StatusCounts, error)
	// RecoverStuck resets delivering rows whose last attempt is older than
	// stuckBefore (or missing) to pending, due at now.
	RecoverStuck(ctx context.Context, stuckBefore, now time.Time) (int64, error)
}

// DeadLetterRepository defines persistence for the dead-letter archive.
type DeadLetterRepository interface {
	// Upsert inserts the entry or refreshes the existing row for the same dispatch id.
	Upsert(ctx context.Context, tx pgx.Tx, entry *domain.DeadLetterEntry) error
	ListRecent(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
	Count(ctx context.Context) (int64, error)
	FindByDispatchID(ctx context.Context, dispatchID int64) (*domain.DeadLetterEntry, error)
	PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
