package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// DeliveryRepo implements ports.DeliveryRepository.
type DeliveryRepo struct {
	store *Store
}

// NewDeliveryRepo creates a new DeliveryRepo.
func NewDeliveryRepo(store *Store) *DeliveryRepo {
	return &DeliveryRepo{store: store}
}

// CreateBatch stores every delivery and assigns ids. A second delivery for the
// same (event, subscription) pair is rejected and nothing is stored.
func (r *DeliveryRepo) CreateBatch(ctx context.Context, tx pgx.Tx, deliveries []*domain.WebhookDelivery) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data := r.store.data
	type pair struct{ event, sub int64 }
	seen := make(map[pair]bool)
	for _, d := range data.deliveries {
		seen[pair{d.EventID, d.SubscriptionID}] = true
	}
	for _, d := range deliveries {
		k := pair{d.EventID, d.SubscriptionID}
		if seen[k] {
			return fmt.Errorf("insert webhook deliveries: duplicate delivery for event %d subscription %d", d.EventID, d.SubscriptionID)
		}
		seen[k] = true
	}

	for _, d := range deliveries {
		data.deliverySeq++
		d.ID = data.deliverySeq
		row := *d
		data.deliveries[row.ID] = &row
	}
	return nil
}

// GetByID fetches a delivery. Returns nil if it does not exist.
func (r *DeliveryRepo) GetByID(ctx context.Context, id int64) (*domain.WebhookDelivery, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.get(id), nil
}

// GetByIDForUpdate fetches a delivery inside a transaction. The transaction
// already excludes every other writer.
func (r *DeliveryRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.WebhookDelivery, error) {
	return r.GetByID(ctx, id)
}

// LockPending returns up to limit due deliveries on enabled subscriptions with
// a closed circuit, oldest nextAttemptAt first.
func (r *DeliveryRepo) LockPending(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]domain.DeliveryWorkItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data := r.store.data
	var items []domain.DeliveryWorkItem
	for _, d := range data.deliveries {
		if d.Status != domain.DeliveryStatusPending || d.NextAttemptAt.After(now) {
			continue
		}
		sub, ok := data.subscriptions[d.SubscriptionID]
		if !ok || !sub.Enabled || sub.IsCircuitOpen(now) {
			continue
		}
		ev, ok := data.events[d.EventID]
		if !ok {
			continue
		}
		items = append(items, domain.DeliveryWorkItem{Delivery: *d, Event: *ev, Subscription: *sub})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Delivery, items[j].Delivery
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return a.ID < b.ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// MarkDelivering moves pending rows to delivering. Every id must still be pending.
func (r *DeliveryRepo) MarkDelivering(ctx context.Context, tx pgx.Tx, ids []int64, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data := r.store.data
	for _, id := range ids {
		if d, ok := data.deliveries[id]; !ok || d.Status != domain.DeliveryStatusPending {
			return fmt.Errorf("mark deliveries delivering: delivery %d is not pending", id)
		}
	}
	for _, id := range ids {
		row := *data.deliveries[id]
		row.Status = domain.DeliveryStatusDelivering
		row.LastAttemptAt = &now
		data.deliveries[id] = &row
	}
	return nil
}

// MarkDelivered records a successful attempt. Returns nil when the row no
// longer accepts the outcome.
func (r *DeliveryRepo) MarkDelivered(ctx context.Context, tx pgx.Tx, id int64, o domain.DeliveredOutcome) (*domain.WebhookDelivery, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	d, ok := r.store.data.deliveries[id]
	if !ok || !d.AcceptsDelivered() {
		return nil, nil
	}
	row := *d
	row.Status = domain.DeliveryStatusDelivered
	row.AttemptCount++
	code, body, at := o.ResponseCode, o.ResponseBody, o.DeliveredAt
	row.ResponseCode = &code
	row.ResponseBody = &body
	row.DeliveryHeaders = o.Headers
	row.DeliveredAt = &at
	row.ErrorCode = nil
	row.ErrorMessage = nil
	r.store.data.deliveries[id] = &row

	out := row
	return &out, nil
}

// MarkFailed records an unsuccessful attempt. Returns nil when the row no
// longer accepts the outcome.
func (r *DeliveryRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, o domain.FailedOutcome, now time.Time) (*domain.WebhookDelivery, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	d, ok := r.store.data.deliveries[id]
	if !ok || !d.AcceptsFailure(o.Terminal) {
		return nil, nil
	}
	row := *d
	row.AttemptCount++
	errCode, errMsg := o.ErrorCode, o.ErrorMessage
	row.ErrorCode = &errCode
	row.ErrorMessage = &errMsg
	row.ResponseCode = o.ResponseCode
	row.DeliveryHeaders = o.Headers
	if o.Terminal {
		row.Status = domain.DeliveryStatusFailed
		row.FailedAt = &now
	} else {
		row.Status = domain.DeliveryStatusPending
		row.NextAttemptAt = o.NextAttemptAt
	}
	r.store.data.deliveries[id] = &row

	out := row
	return &out, nil
}

// CountByEvent returns the per-status delivery counts of one event.
func (r *DeliveryRepo) CountByEvent(ctx context.Context, tx pgx.Tx, eventID int64) (domain.StatusCounts, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := domain.StatusCounts{}
	for _, d := range r.store.data.deliveries {
		if d.EventID == eventID {
			counts[d.Status]++
		}
	}
	return counts, nil
}

// CountByStatus returns the per-status delivery counts of the whole queue.
func (r *DeliveryRepo) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := domain.StatusCounts{}
	for _, d := range r.store.data.deliveries {
		counts[d.Status]++
	}
	return counts, nil
}

// RecoverStuck returns abandoned delivering rows to pending, due at now.
func (r *DeliveryRepo) RecoverStuck(ctx context.Context, stuckBefore, now time.Time) (int64, error) {
	unlock, err := r.store.lockWrites(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var recovered int64
	for id, d := range r.store.data.deliveries {
		if d.Status != domain.DeliveryStatusDelivering {
			continue
		}
		if d.LastAttemptAt != nil && !d.LastAttemptAt.Before(stuckBefore) {
			continue
		}
		row := *d
		row.Status = domain.DeliveryStatusPending
		row.NextAttemptAt = now
		r.store.data.deliveries[id] = &row
		recovered++
	}
	return recovered, nil
}

// get must be called with the store lock held.
func (r *DeliveryRepo) get(id int64) *domain.WebhookDelivery {
	d, ok := r.store.data.deliveries[id]
	if !ok {
		return nil
	}
	out := *d
	return &out
}
