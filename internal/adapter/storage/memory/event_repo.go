package memory

import (
	"context"
	"fmt"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// EventRepo implements ports.EventRepository.
type EventRepo struct {
	store *Store
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(store *Store) *EventRepo {
	return &EventRepo{store: store}
}

// Create stores the event and assigns its id. Idempotency keys are unique.
func (r *EventRepo) Create(ctx context.Context, tx pgx.Tx, e *domain.WebhookEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data := r.store.data
	if e.IdempotencyKey != nil {
		if _, exists := data.eventKeys[*e.IdempotencyKey]; exists {
			return fmt.Errorf("insert webhook event: duplicate idempotency key %q", *e.IdempotencyKey)
		}
	}

	data.eventSeq++
	e.ID = data.eventSeq
	row := *e
	data.events[row.ID] = &row
	if row.IdempotencyKey != nil {
		data.eventKeys[*row.IdempotencyKey] = row.ID
	}
	return nil
}

// GetByID fetches an event by id. Returns nil if it does not exist.
func (r *EventRepo) GetByID(ctx context.Context, id int64) (*domain.WebhookEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	e, ok := r.store.data.events[id]
	if !ok {
		return nil, nil
	}
	out := *e
	return &out, nil
}

// GetByIdempotencyKey fetches the event created with key.
func (r *EventRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WebhookEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	id, ok := r.store.data.eventKeys[key]
	if !ok {
		return nil, nil
	}
	out := *r.store.data.events[id]
	return &out, nil
}

// UpdateStatus stores the rolled-up status. Partial events get both terminal timestamps.
func (r *EventRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.EventStatus, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	e, ok := r.store.data.events[id]
	if !ok {
		return fmt.Errorf("webhook event not found: %d", id)
	}
	row := *e
	row.Status = status
	row.LastAttemptAt = &at
	if status == domain.EventStatusDelivered || status == domain.EventStatusPartial {
		row.DeliveredAt = &at
	}
	if status == domain.EventStatusFailed || status == domain.EventStatusPartial {
		row.FailedAt = &at
	}
	r.store.data.events[id] = &row
	return nil
}
