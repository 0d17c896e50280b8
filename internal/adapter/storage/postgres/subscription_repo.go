package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `id, subscription_uuid, name, target_url, signing_secret, delivery_timeout_ms,
		max_attempts, retry_backoff_seconds, circuit_breaker_threshold, circuit_breaker_duration_seconds,
		consecutive_failures, circuit_open_until, static_headers, event_types, enabled`

// SubscriptionRepo implements ports.SubscriptionRepository.
type SubscriptionRepo struct {
	pool Pool
}

// NewSubscriptionRepo creates a new SubscriptionRepo.
func NewSubscriptionRepo(pool Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// GetByID fetches a subscription by its surrogate id.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id int64) (*domain.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`

	s, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook subscription: %w", err)
	}
	return s, nil
}

// ListMatching returns the enabled subscriptions whose filter accepts eventType.
// An empty event_types array matches every type. Open circuits do not block
// fan-out; they only gate claiming.
func (r *SubscriptionRepo) ListMatching(ctx context.Context, tx pgx.Tx, eventType string) ([]domain.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE enabled AND (cardinality(event_types) = 0 OR $1 = ANY(event_types))
		ORDER BY id`

	rows, err := tx.Query(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("list matching subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListOpenCircuits returns subscriptions whose circuit is open at now.
func (r *SubscriptionRepo) ListOpenCircuits(ctx context.Context, now time.Time) ([]domain.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE circuit_open_until > $1
		ORDER BY circuit_open_until`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list open circuits: %w", err)
	}
	return collectSubscriptions(rows)
}

// RecordFailure bumps the failure streak and opens the circuit once the
// streak reaches the threshold. A threshold of 0 disables the breaker.
func (r *SubscriptionRepo) RecordFailure(ctx context.Context, tx pgx.Tx, id int64, now time.Time) (*ports.CircuitState, error) {
	query := `UPDATE webhook_subscriptions SET
		consecutive_failures = consecutive_failures + 1,
		circuit_open_until = CASE
			WHEN circuit_breaker_threshold > 0 AND consecutive_failures + 1 >= circuit_breaker_threshold
			THEN $2::timestamptz + make_interval(secs => circuit_breaker_duration_seconds)
			ELSE circuit_open_until
		END,
		updated_at = $2
		WHERE id = $1
		RETURNING consecutive_failures, circuit_open_until`

	state := &ports.CircuitState{}
	err := tx.QueryRow(ctx, query, id, now).Scan(&state.ConsecutiveFailures, &state.CircuitOpenUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("webhook subscription not found: %d", id)
		}
		return nil, fmt.Errorf("record subscription failure: %w", err)
	}
	return state, nil
}

// RecordSuccess clears the failure streak.
func (r *SubscriptionRepo) RecordSuccess(ctx context.Context, tx pgx.Tx, id int64) error {
	query := `UPDATE webhook_subscriptions SET consecutive_failures = 0, updated_at = NOW() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("record subscription success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook subscription not found: %d", id)
	}
	return nil
}

// subscriptionScan holds a subscription plus the raw header JSON it was read with.
type subscriptionScan struct {
	sub     domain.WebhookSubscription
	headers []byte
}

func (s *subscriptionScan) dest() []any {
	return []any{
		&s.sub.ID, &s.sub.SubscriptionUUID, &s.sub.Name, &s.sub.TargetURL, &s.sub.SigningSecret,
		&s.sub.DeliveryTimeoutMs, &s.sub.MaxAttempts, &s.sub.RetryBackoffSeconds,
		&s.sub.CircuitBreakerThreshold, &s.sub.CircuitBreakerDurationSeconds,
		&s.sub.ConsecutiveFailures, &s.sub.CircuitOpenUntil, &s.headers, &s.sub.EventTypes, &s.sub.Enabled,
	}
}

func (s *subscriptionScan) finish() (*domain.WebhookSubscription, error) {
	headers, err := domain.DecodeHeaders(s.headers)
	if err != nil {
		return nil, fmt.Errorf("decode static headers of subscription %d: %w", s.sub.ID, err)
	}
	s.sub.StaticHeaders = headers
	return &s.sub, nil
}

// scanSubscription returns pgx.ErrNoRows unwrapped so callers can decide.
func scanSubscription(row pgx.Row) (*domain.WebhookSubscription, error) {
	var s subscriptionScan
	if err := row.Scan(s.dest()...); err != nil {
		return nil, err
	}
	return s.finish()
}

func collectSubscriptions(rows pgx.Rows) ([]domain.WebhookSubscription, error) {
	defer rows.Close()

	var subs []domain.WebhookSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook subscriptions: %w", err)
	}
	return subs, nil
}

// qualifyColumns prefixes each column of a column list with a table alias.
func qualifyColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
