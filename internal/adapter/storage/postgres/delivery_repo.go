package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, delivery_uuid, event_id, subscription_id, status, attempt_count, max_attempts,
		next_attempt_at, last_attempt_at, response_code, response_body, error_code, error_message,
		delivery_headers, delivered_at, failed_at, created_at`

// DeliveryRepo implements ports.DeliveryRepository.
type DeliveryRepo struct {
	pool Pool
}

// NewDeliveryRepo creates a new DeliveryRepo.
func NewDeliveryRepo(pool Pool) *DeliveryRepo {
	return &DeliveryRepo{pool: pool}
}

// CreateBatch inserts every delivery with one multi-row INSERT inside the
// caller's transaction and assigns the generated ids.
func (r *DeliveryRepo) CreateBatch(ctx context.Context, tx pgx.Tx, deliveries []*domain.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	const cols = 8
	var sb strings.Builder
	sb.WriteString(`INSERT INTO webhook_deliveries (delivery_uuid, event_id, subscription_id, status,
		attempt_count, max_attempts, next_attempt_at, created_at) VALUES `)
	args := make([]any, 0, len(deliveries)*cols)
	byUUID := make(map[uuid.UUID]*domain.WebhookDelivery, len(deliveries))
	for i, d := range deliveries {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, d.DeliveryUUID, d.EventID, d.SubscriptionID, d.Status,
			d.AttemptCount, d.MaxAttempts, d.NextAttemptAt, d.CreatedAt)
		byUUID[d.DeliveryUUID] = d
	}
	sb.WriteString(" RETURNING id, delivery_uuid")

	rows, err := tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("insert webhook deliveries: %w", err)
	}
	defer rows.Close()

	assigned := 0
	for rows.Next() {
		var id int64
		var deliveryUUID uuid.UUID
		if err := rows.Scan(&id, &deliveryUUID); err != nil {
			return fmt.Errorf("scan inserted delivery id: %w", err)
		}
		if d, ok := byUUID[deliveryUUID]; ok {
			d.ID = id
			assigned++
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("insert webhook deliveries: %w", err)
	}
	if assigned != len(deliveries) {
		return fmt.Errorf("insert webhook deliveries: expected %d rows, got %d", len(deliveries), assigned)
	}
	return nil
}

// GetByID fetches a delivery without locking.
func (r *DeliveryRepo) GetByID(ctx context.Context, id int64) (*domain.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	return getDelivery(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches a delivery with a row lock.
// This MUST be called within a transaction.
func (r *DeliveryRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1 FOR UPDATE`
	return getDelivery(tx.QueryRow(ctx, query, id))
}

// LockPending selects up to limit due deliveries together with their event and
// subscription. Only the delivery rows are locked, and rows locked by another
// claimer are skipped rather than waited on.
// This MUST be called within a transaction.
func (r *DeliveryRepo) LockPending(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]domain.DeliveryWorkItem, error) {
	query := `SELECT ` + qualifyColumns("d", deliveryColumns) + `, ` +
		qualifyColumns("e", eventColumns) + `, ` +
		qualifyColumns("s", subscriptionColumns) + `
		FROM webhook_deliveries d
		JOIN webhook_events e ON e.id = d.event_id
		JOIN webhook_subscriptions s ON s.id = d.subscription_id
		WHERE d.status = 'pending'
			AND d.next_attempt_at <= $1
			AND s.enabled
			AND (s.circuit_open_until IS NULL OR s.circuit_open_until <= $1)
		ORDER BY d.next_attempt_at ASC
		LIMIT $2
		FOR UPDATE OF d SKIP LOCKED`

	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("lock pending deliveries: %w", err)
	}
	defer rows.Close()

	var items []domain.DeliveryWorkItem
	for rows.Next() {
		var (
			ds deliveryScan
			ss subscriptionScan
			ev domain.WebhookEvent
		)
		dest := append(ds.dest(), eventDest(&ev)...)
		dest = append(dest, ss.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan pending delivery: %w", err)
		}
		d, err := ds.finish()
		if err != nil {
			return nil, err
		}
		sub, err := ss.finish()
		if err != nil {
			return nil, err
		}
		items = append(items, domain.DeliveryWorkItem{Delivery: *d, Event: ev, Subscription: *sub})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending deliveries: %w", err)
	}
	return items, nil
}

// MarkDelivering moves the locked pending rows to delivering. Every id must
// still be pending; anything else means the lock was not held.
func (r *DeliveryRepo) MarkDelivering(ctx context.Context, tx pgx.Tx, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE webhook_deliveries SET status = 'delivering', last_attempt_at = $1, updated_at = $1
		WHERE id = ANY($2) AND status = 'pending'`

	tag, err := tx.Exec(ctx, query, now, ids)
	if err != nil {
		return fmt.Errorf("mark deliveries delivering: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("mark deliveries delivering: expected %d rows, updated %d", len(ids), tag.RowsAffected())
	}
	return nil
}

// MarkDelivered records a successful attempt. Returns nil when the row is no
// longer in a status that accepts the outcome.
func (r *DeliveryRepo) MarkDelivered(ctx context.Context, tx pgx.Tx, id int64, o domain.DeliveredOutcome) (*domain.WebhookDelivery, error) {
	headers, err := domain.EncodeHeaders(o.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode delivery headers: %w", err)
	}

	query := `UPDATE webhook_deliveries SET status = 'delivered', attempt_count = attempt_count + 1,
		response_code = $2, response_body = $3, delivery_headers = $4, delivered_at = $5,
		error_code = NULL, error_message = NULL, updated_at = $5
		WHERE id = $1 AND status IN ('pending', 'delivering')
			AND (status <> 'pending' OR last_attempt_at IS NOT NULL)
		RETURNING ` + deliveryColumns

	return getDelivery(tx.QueryRow(ctx, query, id, o.ResponseCode, o.ResponseBody, headers, o.DeliveredAt))
}

// MarkFailed records an unsuccessful attempt. A retryable failure returns the
// row to pending at the caller's next attempt time; a terminal one fails it.
// Returns nil when the row is no longer in a status that accepts the outcome.
func (r *DeliveryRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, o domain.FailedOutcome, now time.Time) (*domain.WebhookDelivery, error) {
	headers, err := domain.EncodeHeaders(o.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode delivery headers: %w", err)
	}

	status := domain.DeliveryStatusPending
	from := []string{string(domain.DeliveryStatusPending), string(domain.DeliveryStatusDelivering)}
	var nextAttemptAt, failedAt *time.Time
	if o.Terminal {
		status = domain.DeliveryStatusFailed
		from = append(from, string(domain.DeliveryStatusFailed))
		failedAt = &now
	} else {
		nextAttemptAt = &o.NextAttemptAt
	}

	query := `UPDATE webhook_deliveries SET status = $2, attempt_count = attempt_count + 1,
		error_code = $3, error_message = $4, response_code = $5, delivery_headers = $6,
		next_attempt_at = COALESCE($7, next_attempt_at), failed_at = COALESCE($8, failed_at),
		updated_at = $9
		WHERE id = $1 AND status = ANY($10)
			AND (status <> 'pending' OR last_attempt_at IS NOT NULL)
		RETURNING ` + deliveryColumns

	return getDelivery(tx.QueryRow(ctx, query,
		id, status, o.ErrorCode, o.ErrorMessage, o.ResponseCode, headers,
		nextAttemptAt, failedAt, now, from,
	))
}

// CountByEvent returns the per-status delivery counts of one event.
func (r *DeliveryRepo) CountByEvent(ctx context.Context, tx pgx.Tx, eventID int64) (domain.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM webhook_deliveries WHERE event_id = $1 GROUP BY status`

	rows, err := tx.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("count deliveries by event: %w", err)
	}
	return collectCounts(rows)
}

// CountByStatus returns the per-status delivery counts of the whole queue.
func (r *DeliveryRepo) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM webhook_deliveries GROUP BY status`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count deliveries by status: %w", err)
	}
	return collectCounts(rows)
}

// RecoverStuck returns abandoned delivering rows to pending, due immediately.
// Only rows in delivering are touched.
func (r *DeliveryRepo) RecoverStuck(ctx context.Context, stuckBefore, now time.Time) (int64, error) {
	query := `UPDATE webhook_deliveries SET status = 'pending', next_attempt_at = $2, updated_at = $2
		WHERE status = 'delivering' AND (last_attempt_at IS NULL OR last_attempt_at < $1)`

	tag, err := r.pool.Exec(ctx, query, stuckBefore, now)
	if err != nil {
		return 0, fmt.Errorf("recover stuck deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// deliveryScan holds a delivery plus the raw header JSON it was read with.
type deliveryScan struct {
	d       domain.WebhookDelivery
	headers []byte
}

func (s *deliveryScan) dest() []any {
	return []any{
		&s.d.ID, &s.d.DeliveryUUID, &s.d.EventID, &s.d.SubscriptionID, &s.d.Status,
		&s.d.AttemptCount, &s.d.MaxAttempts, &s.d.NextAttemptAt, &s.d.LastAttemptAt,
		&s.d.ResponseCode, &s.d.ResponseBody, &s.d.ErrorCode, &s.d.ErrorMessage,
		&s.headers, &s.d.DeliveredAt, &s.d.FailedAt, &s.d.CreatedAt,
	}
}

func (s *deliveryScan) finish() (*domain.WebhookDelivery, error) {
	headers, err := domain.DecodeHeaders(s.headers)
	if err != nil {
		return nil, fmt.Errorf("decode headers of delivery %d: %w", s.d.ID, err)
	}
	s.d.DeliveryHeaders = headers
	return &s.d, nil
}

func getDelivery(row pgx.Row) (*domain.WebhookDelivery, error) {
	var s deliveryScan
	if err := row.Scan(s.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan webhook delivery: %w", err)
	}
	return s.finish()
}

func collectCounts(rows pgx.Rows) (domain.StatusCounts, error) {
	defer rows.Close()

	counts := domain.StatusCounts{}
	for rows.Next() {
		var status domain.DeliveryStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}
