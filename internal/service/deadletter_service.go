package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// MaxListLimit bounds list and claim page sizes.
const MaxListLimit = 1000

// DeadLetterServiceImpl implements ports.DeadLetterService.
type DeadLetterServiceImpl struct {
	repo       ports.DeadLetterRepository
	transactor ports.DBTransactor
	log        zerolog.Logger
	now        func() time.Time
}

// NewDeadLetterService creates a new DeadLetterServiceImpl.
func NewDeadLetterService(repo ports.DeadLetterRepository, transactor ports.DBTransactor, log zerolog.Logger) *DeadLetterServiceImpl {
	return &DeadLetterServiceImpl{
		repo:       repo,
		transactor: transactor,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Record archives an entry, refreshing the existing one for the same dispatch id.
func (s *DeadLetterServiceImpl) Record(ctx context.Context, entry *domain.DeadLetterEntry) error {
	if err := prepareDeadLetter(entry, s.now()); err != nil {
		return err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.RecordTx(ctx, dbTx, entry); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Warn().
		Int64("dispatch_id", entry.DispatchID).
		Int64("event_id", entry.EventID).
		Int("attempt", entry.AttemptCount).
		Str("reason", entry.FailureReason).
		Msg("dead letter recorded")
	return nil
}

// RecordTx archives an entry inside the caller's transaction, so the dead
// letter commits together with the failure that produced it. Logging is left
// to the caller, which knows whether the transaction committed.
func (s *DeadLetterServiceImpl) RecordTx(ctx context.Context, dbTx pgx.Tx, entry *domain.DeadLetterEntry) error {
	if err := prepareDeadLetter(entry, s.now()); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, dbTx, entry); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("upsert dead letter: %w", err))
	}
	return nil
}

// ListRecent returns up to limit entries, newest failure first.
func (s *DeadLetterServiceImpl) ListRecent(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list dead letters: %w", err))
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}
	return entries, nil
}

// Count returns the number of archived entries.
func (s *DeadLetterServiceImpl) Count(ctx context.Context) (int64, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("count dead letters: %w", err))
	}
	return n, nil
}

// FindByDispatchID returns the entry archived for a delivery.
func (s *DeadLetterServiceImpl) FindByDispatchID(ctx context.Context, dispatchID int64) (*domain.DeadLetterEntry, error) {
	if dispatchID <= 0 {
		return nil, apperror.Validation("dispatch_id must be positive")
	}
	entry, err := s.repo.FindByDispatchID(ctx, dispatchID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("find dead letter: %w", err))
	}
	if entry == nil {
		return nil, apperror.ErrDeadLetterNotFound(dispatchID)
	}
	return entry, nil
}

// PurgeOlderThan deletes entries that failed before threshold.
func (s *DeadLetterServiceImpl) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	if threshold.IsZero() {
		return 0, apperror.Validation("purge threshold is required")
	}
	n, err := s.repo.PurgeOlderThan(ctx, threshold)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("purge dead letters: %w", err))
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Time("older_than", threshold).Msg("dead letters purged")
	}
	return n, nil
}

// prepareDeadLetter validates identifiers and fills defaults before an upsert.
func prepareDeadLetter(entry *domain.DeadLetterEntry, now time.Time) error {
	if entry == nil {
		return apperror.Validation("dead letter entry is required")
	}
	if entry.DispatchID <= 0 {
		return apperror.Validation("dispatch_id is required")
	}
	if entry.EventID <= 0 {
		return apperror.Validation("event_id is required")
	}
	if len(entry.EventPayload) == 0 {
		entry.EventPayload = json.RawMessage(`{}`)
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = now
	}
	entry.Normalize()
	return nil
}

func validateLimit(limit int) error {
	if limit <= 0 || limit > MaxListLimit {
		return apperror.Validation(fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
	}
	return nil
}
