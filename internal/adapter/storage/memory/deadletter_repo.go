package memory

import (
	"context"
	"sort"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// DeadLetterRepo implements ports.DeadLetterRepository.
type DeadLetterRepo struct {
	store *Store
	now   func() time.Time
}

// NewDeadLetterRepo creates a new DeadLetterRepo.
func NewDeadLetterRepo(store *Store) *DeadLetterRepo {
	return &DeadLetterRepo{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Upsert inserts the entry or refreshes the one archived for the same dispatch id.
func (r *DeadLetterRepo) Upsert(ctx context.Context, tx pgx.Tx, e *domain.DeadLetterEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data := r.store.data
	now := r.now()
	if existing, ok := data.deadLetters[e.DispatchID]; ok {
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
	} else {
		data.deadLetterSeq++
		e.ID = data.deadLetterSeq
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	row := *e
	data.deadLetters[row.DispatchID] = &row
	return nil
}

// ListRecent returns the newest entries first.
func (r *DeadLetterRepo) ListRecent(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	entries := make([]domain.DeadLetterEntry, 0, len(r.store.data.deadLetters))
	for _, e := range r.store.data.deadLetters {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].FailedAt.Equal(entries[j].FailedAt) {
			return entries[i].FailedAt.After(entries[j].FailedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Count returns the number of archived entries.
func (r *DeadLetterRepo) Count(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.data.deadLetters)), nil
}

// FindByDispatchID fetches the entry archived for a delivery.
func (r *DeadLetterRepo) FindByDispatchID(ctx context.Context, dispatchID int64) (*domain.DeadLetterEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	e, ok := r.store.data.deadLetters[dispatchID]
	if !ok {
		return nil, nil
	}
	out := *e
	return &out, nil
}

// PurgeOlderThan deletes entries that failed before threshold.
func (r *DeadLetterRepo) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	unlock, err := r.store.lockWrites(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var purged int64
	for id, e := range r.store.data.deadLetters {
		if e.FailedAt.Before(threshold) {
			delete(r.store.data.deadLetters, id)
			purged++
		}
	}
	return purged, nil
}
