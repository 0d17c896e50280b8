package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id, dispatch_id, event_id, event_type, attempt_count, failure_reason, failure_message,
		event_payload, metadata, failed_at, created_at, updated_at`

// DeadLetterRepo implements ports.DeadLetterRepository.
type DeadLetterRepo struct {
	pool Pool
}

// NewDeadLetterRepo creates a new DeadLetterRepo.
func NewDeadLetterRepo(pool Pool) *DeadLetterRepo {
	return &DeadLetterRepo{pool: pool}
}

// Upsert inserts the entry, or refreshes the row already archived for the
// same dispatch id.
func (r *DeadLetterRepo) Upsert(ctx context.Context, tx pgx.Tx, e *domain.DeadLetterEntry) error {
	query := `INSERT INTO webhook_dead_letters (dispatch_id, event_id, event_type, attempt_count,
		failure_reason, failure_message, event_payload, metadata, failed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (dispatch_id) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			event_type = EXCLUDED.event_type,
			attempt_count = EXCLUDED.attempt_count,
			failure_reason = EXCLUDED.failure_reason,
			failure_message = EXCLUDED.failure_message,
			event_payload = EXCLUDED.event_payload,
			metadata = EXCLUDED.metadata,
			failed_at = EXCLUDED.failed_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := tx.QueryRow(ctx, query,
		e.DispatchID, e.EventID, e.EventType, e.AttemptCount,
		e.FailureReason, e.FailureMessage, e.EventPayload, e.Metadata, e.FailedAt,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert dead letter: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries first.
func (r *DeadLetterRepo) ListRecent(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM webhook_dead_letters
		ORDER BY failed_at DESC, id DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		if err := rows.Scan(deadLetterDest(&e)...); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// Count returns the number of archived entries.
func (r *DeadLetterRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// FindByDispatchID fetches the entry archived for a delivery.
func (r *DeadLetterRepo) FindByDispatchID(ctx context.Context, dispatchID int64) (*domain.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM webhook_dead_letters WHERE dispatch_id = $1`

	var e domain.DeadLetterEntry
	err := r.pool.QueryRow(ctx, query, dispatchID).Scan(deadLetterDest(&e)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find dead letter: %w", err)
	}
	return &e, nil
}

// PurgeOlderThan deletes entries that failed before threshold.
func (r *DeadLetterRepo) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_dead_letters WHERE failed_at < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

func deadLetterDest(e *domain.DeadLetterEntry) []any {
	return []any{
		&e.ID, &e.DispatchID, &e.EventID, &e.EventType, &e.AttemptCount,
		&e.FailureReason, &e.FailureMessage, &e.EventPayload, &e.Metadata,
		&e.FailedAt, &e.CreatedAt, &e.UpdatedAt,
	}
}
