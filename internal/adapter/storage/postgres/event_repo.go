package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `id, event_uuid, event_type, status, source, correlation_id, payload, metadata,
		idempotency_key, first_queued_at, last_attempt_at, delivered_at, failed_at`

// EventRepo implements ports.EventRepository.
type EventRepo struct {
	pool Pool
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(pool Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Create inserts a new event within a database transaction and sets its id.
func (r *EventRepo) Create(ctx context.Context, tx pgx.Tx, e *domain.WebhookEvent) error {
	query := `INSERT INTO webhook_events (event_uuid, event_type, status, source, correlation_id,
		payload, metadata, idempotency_key, first_queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := tx.QueryRow(ctx, query,
		e.EventUUID, e.EventType, e.Status, e.Source, e.CorrelationID,
		e.Payload, e.Metadata, e.IdempotencyKey, e.FirstQueuedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// GetByID fetches an event by its surrogate id.
func (r *EventRepo) GetByID(ctx context.Context, id int64) (*domain.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = $1`
	return scanEvent(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey fetches the event a producer created with the given key.
func (r *EventRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE idempotency_key = $1`
	return scanEvent(r.pool.QueryRow(ctx, query, key))
}

// UpdateStatus stores the rolled-up status within a database transaction.
// Partial events get both terminal timestamps.
func (r *EventRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.EventStatus, at time.Time) error {
	query := `UPDATE webhook_events SET status = $1::text, last_attempt_at = $2,
		delivered_at = CASE WHEN $1::text IN ('delivered', 'partial') THEN $2 ELSE delivered_at END,
		failed_at = CASE WHEN $1::text IN ('failed', 'partial') THEN $2 ELSE failed_at END
		WHERE id = $3`

	tag, err := tx.Exec(ctx, query, status, at, id)
	if err != nil {
		return fmt.Errorf("update webhook event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %d", id)
	}
	return nil
}

func eventDest(e *domain.WebhookEvent) []any {
	return []any{
		&e.ID, &e.EventUUID, &e.EventType, &e.Status, &e.Source, &e.CorrelationID,
		&e.Payload, &e.Metadata, &e.IdempotencyKey, &e.FirstQueuedAt,
		&e.LastAttemptAt, &e.DeliveredAt, &e.FailedAt,
	}
}

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	e := &domain.WebhookEvent{}
	if err := row.Scan(eventDest(e)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}
	return e, nil
}
