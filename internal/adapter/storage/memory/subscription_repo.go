package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SubscriptionRepo implements ports.SubscriptionRepository.
type SubscriptionRepo struct {
	store *Store
}

// NewSubscriptionRepo creates a new SubscriptionRepo.
func NewSubscriptionRepo(store *Store) *SubscriptionRepo {
	return &SubscriptionRepo{store: store}
}

// Add registers a subscription and assigns its id (and uuid when unset).
// Registration belongs to another system; this is how the memory driver is seeded.
func (r *SubscriptionRepo) Add(ctx context.Context, sub *domain.WebhookSubscription) error {
	unlock, err := r.store.lockWrites(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	data := r.store.data
	data.subscriptionSeq++
	sub.ID = data.subscriptionSeq
	if sub.SubscriptionUUID == uuid.Nil {
		sub.SubscriptionUUID = uuid.New()
	}
	row := *sub
	data.subscriptions[row.ID] = &row
	return nil
}

// GetByID fetches a subscription by id. Returns nil if it does not exist.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id int64) (*domain.WebhookSubscription, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	s, ok := r.store.data.subscriptions[id]
	if !ok {
		return nil, nil
	}
	out := *s
	return &out, nil
}

// ListMatching returns enabled subscriptions whose filter accepts eventType, by id.
func (r *SubscriptionRepo) ListMatching(ctx context.Context, tx pgx.Tx, eventType string) ([]domain.WebhookSubscription, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.collect(func(s *domain.WebhookSubscription) bool {
		return s.Matches(eventType)
	}, byID), nil
}

// ListOpenCircuits returns subscriptions whose circuit is open at now.
func (r *SubscriptionRepo) ListOpenCircuits(ctx context.Context, now time.Time) ([]domain.WebhookSubscription, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.collect(func(s *domain.WebhookSubscription) bool {
		return s.IsCircuitOpen(now)
	}, func(a, b *domain.WebhookSubscription) bool {
		return a.CircuitOpenUntil.Before(*b.CircuitOpenUntil)
	}), nil
}

// RecordFailure bumps the failure streak and opens the circuit at the threshold.
func (r *SubscriptionRepo) RecordFailure(ctx context.Context, tx pgx.Tx, id int64, now time.Time) (*ports.CircuitState, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.data.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("webhook subscription not found: %d", id)
	}
	row := *s
	row.RecordFailure(now)
	r.store.data.subscriptions[id] = &row

	return &ports.CircuitState{
		ConsecutiveFailures: row.ConsecutiveFailures,
		CircuitOpenUntil:    row.CircuitOpenUntil,
	}, nil
}

// RecordSuccess clears the failure streak.
func (r *SubscriptionRepo) RecordSuccess(ctx context.Context, tx pgx.Tx, id int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.data.subscriptions[id]
	if !ok {
		return fmt.Errorf("webhook subscription not found: %d", id)
	}
	row := *s
	row.RecordSuccess()
	r.store.data.subscriptions[id] = &row
	return nil
}

func byID(a, b *domain.WebhookSubscription) bool { return a.ID < b.ID }

// collect must be called with the store lock held.
func (r *SubscriptionRepo) collect(keep func(*domain.WebhookSubscription) bool, less func(a, b *domain.WebhookSubscription) bool) []domain.WebhookSubscription {
	var out []domain.WebhookSubscription
	for _, s := range r.store.data.subscriptions {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}
