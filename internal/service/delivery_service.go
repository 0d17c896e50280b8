package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// DeliveryServiceImpl implements ports.DeliveryService. It owns the claim
// transaction, outcome recording (circuit breaker, dead-lettering and event
// roll-up) and stuck-delivery recovery.
type DeliveryServiceImpl struct {
	deliveryRepo   ports.DeliveryRepository
	eventRepo      ports.EventRepository
	subRepo        ports.SubscriptionRepository
	deadLetters    *DeadLetterServiceImpl
	transactor     ports.DBTransactor
	log            zerolog.Logger
	now            func() time.Time
}

// NewDeliveryService creates a new DeliveryServiceImpl.
func NewDeliveryService(
	deliveryRepo ports.DeliveryRepository,
	eventRepo ports.EventRepository,
	subRepo ports.SubscriptionRepository,
	deadLetterRepo ports.DeadLetterRepository,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *DeliveryServiceImpl {
	return &DeliveryServiceImpl{
		deliveryRepo:   deliveryRepo,
		eventRepo:      eventRepo,
		subRepo:        subRepo,
		deadLetters:    NewDeadLetterService(deadLetterRepo, transactor, log),
		transactor:     transactor,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ClaimPending locks up to limit due deliveries, moves them to delivering and
// returns them with their event and subscription. No I/O beyond the database
// happens while the rows are locked.
func (s *DeliveryServiceImpl) ClaimPending(ctx context.Context, limit int) ([]domain.DeliveryWorkItem, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	items, err := s.deliveryRepo.LockPending(ctx, dbTx, limit, now)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock pending: %w", err))
	}
	if len(items) == 0 {
		if err := dbTx.Commit(ctx); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
		}
		return []domain.DeliveryWorkItem{}, nil
	}

	ids := make([]int64, len(items))
	for i := range items {
		ids[i] = items[i].Delivery.ID
	}
	if err := s.deliveryRepo.MarkDelivering(ctx, dbTx, ids, now); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("mark delivering: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	for i := range items {
		items[i].Delivery.Status = domain.DeliveryStatusDelivering
		items[i].Delivery.LastAttemptAt = &now
	}

	s.log.Debug().Int("claimed", len(items)).Int("limit", limit).Msg("deliveries claimed")
	return items, nil
}

// ReportDelivered records a successful attempt and clears the subscription's
// failure streak.
func (s *DeliveryServiceImpl) ReportDelivered(ctx context.Context, deliveryID int64, outcome domain.DeliveredOutcome) (*domain.WebhookDelivery, error) {
	if deliveryID <= 0 {
		return nil, apperror.Validation("delivery id must be positive")
	}
	now := s.now()
	if outcome.DeliveredAt.IsZero() {
		outcome.DeliveredAt = now
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	current, err := s.lockDelivery(ctx, dbTx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !current.AcceptsDelivered() {
		return nil, apperror.ErrInvalidTransition(deliveryID, string(current.Status))
	}

	updated, err := s.deliveryRepo.MarkDelivered(ctx, dbTx, deliveryID, outcome)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("mark delivered: %w", err))
	}
	if updated == nil {
		return nil, apperror.ErrInvalidTransition(deliveryID, string(current.Status))
	}

	if err := s.subRepo.RecordSuccess(ctx, dbTx, updated.SubscriptionID); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("reset circuit: %w", err))
	}
	eventStatus, err := s.rollUp(ctx, dbTx, updated.EventID, now)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Int64("delivery_id", updated.ID).
		Int64("subscription_id", updated.SubscriptionID).
		Int64("event_id", updated.EventID).
		Int("attempt", updated.AttemptCount).
		Int("response_code", outcome.ResponseCode).
		Str("event_status", string(eventStatus)).
		Msg("delivery succeeded")

	return updated, nil
}

// ReportFailed records an unsuccessful attempt. A retryable failure is
// rescheduled at the caller's nextAttemptAt; a terminal one fails the delivery
// and archives it as a dead letter. Every new failure counts toward the
// subscription's circuit breaker.
func (s *DeliveryServiceImpl) ReportFailed(ctx context.Context, deliveryID int64, outcome domain.FailedOutcome) (*domain.WebhookDelivery, error) {
	if deliveryID <= 0 {
		return nil, apperror.Validation("delivery id must be positive")
	}
	outcome.ErrorCode = strings.TrimSpace(outcome.ErrorCode)
	if outcome.ErrorCode == "" {
		return nil, apperror.Validation("error_code is required")
	}
	now := s.now()
	if !outcome.Terminal && outcome.NextAttemptAt.IsZero() {
		outcome.NextAttemptAt = now
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	current, err := s.lockDelivery(ctx, dbTx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !current.AcceptsFailure(outcome.Terminal) {
		return nil, apperror.ErrInvalidTransition(deliveryID, string(current.Status))
	}
	// A repeated terminal report refreshes the row and its dead letter only.
	repeat := current.Status == domain.DeliveryStatusFailed

	updated, err := s.deliveryRepo.MarkFailed(ctx, dbTx, deliveryID, outcome, now)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("mark failed: %w", err))
	}
	if updated == nil {
		return nil, apperror.ErrInvalidTransition(deliveryID, string(current.Status))
	}

	var circuit *ports.CircuitState
	if !repeat {
		circuit, err = s.subRepo.RecordFailure(ctx, dbTx, updated.SubscriptionID, now)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("record circuit failure: %w", err))
		}
	}

	if outcome.Terminal {
		if err := s.archive(ctx, dbTx, updated, outcome, now); err != nil {
			return nil, err
		}
	}

	eventStatus, err := s.rollUp(ctx, dbTx, updated.EventID, now)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	logEvt := s.log.Warn()
	if outcome.Terminal {
		logEvt = s.log.Error()
	}
	logEvt.
		Int64("delivery_id", updated.ID).
		Int64("subscription_id", updated.SubscriptionID).
		Int64("event_id", updated.EventID).
		Int("attempt", updated.AttemptCount).
		Str("status", string(updated.Status)).
		Str("error_code", outcome.ErrorCode).
		Str("event_status", string(eventStatus)).
		Msg("delivery failed")

	if circuit != nil && circuit.CircuitOpenUntil != nil && circuit.CircuitOpenUntil.After(now) {
		s.log.Warn().
			Int64("subscription_id", updated.SubscriptionID).
			Int("consecutive_failures", circuit.ConsecutiveFailures).
			Time("open_until", *circuit.CircuitOpenUntil).
			Msg("subscription circuit open")
	}

	return updated, nil
}

// SweepStuck returns deliveries left in delivering for longer than olderThan to pending.
func (s *DeliveryServiceImpl) SweepStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, apperror.Validation("older_than must be positive")
	}
	now := s.now()
	n, err := s.deliveryRepo.RecoverStuck(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("recover stuck deliveries: %w", err))
	}
	if n > 0 {
		s.log.Warn().Int64("recovered", n).Dur("older_than", olderThan).Msg("stuck deliveries returned to pending")
	}
	return n, nil
}

// QueueDepth returns the per-status delivery counts across the queue.
func (s *DeliveryServiceImpl) QueueDepth(ctx context.Context) (domain.StatusCounts, error) {
	counts, err := s.deliveryRepo.CountByStatus(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("count deliveries: %w", err))
	}
	return counts.WithAllStatuses(), nil
}

// ListOpenCircuits returns the subscriptions whose deliveries are currently suppressed.
func (s *DeliveryServiceImpl) ListOpenCircuits(ctx context.Context) ([]domain.WebhookSubscription, error) {
	subs, err := s.subRepo.ListOpenCircuits(ctx, s.now())
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list open circuits: %w", err))
	}
	if subs == nil {
		subs = []domain.WebhookSubscription{}
	}
	return subs, nil
}

func (s *DeliveryServiceImpl) lockDelivery(ctx context.Context, dbTx pgx.Tx, id int64) (*domain.WebhookDelivery, error) {
	d, err := s.deliveryRepo.GetByIDForUpdate(ctx, dbTx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock delivery: %w", err))
	}
	if d == nil {
		return nil, apperror.ErrDeliveryNotFound(id)
	}
	return d, nil
}

// archive upserts the dead letter of a terminally failed delivery.
func (s *DeliveryServiceImpl) archive(ctx context.Context, dbTx pgx.Tx, d *domain.WebhookDelivery, outcome domain.FailedOutcome, now time.Time) error {
	event, err := s.eventRepo.GetByID(ctx, d.EventID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("load event for dead letter: %w", err))
	}
	if event == nil {
		return apperror.ErrEventNotFound(d.EventID)
	}

	metadata, err := json.Marshal(deadLetterMetadata{
		DeliveryUUID:   d.DeliveryUUID.String(),
		SubscriptionID: d.SubscriptionID,
		ResponseCode:   outcome.ResponseCode,
		EventMetadata:  event.Metadata,
	})
	if err != nil {
		return apperror.InternalError(fmt.Errorf("marshal dead letter metadata: %w", err))
	}

	entry := &domain.DeadLetterEntry{
		DispatchID:     d.ID,
		EventID:        d.EventID,
		EventType:      event.EventType,
		AttemptCount:   d.AttemptCount,
		FailureReason:  outcome.ErrorCode,
		FailureMessage: outcome.ErrorMessage,
		EventPayload:   event.Payload,
		Metadata:       metadata,
		FailedAt:       now,
	}
	return s.deadLetters.RecordTx(ctx, dbTx, entry)
}

type deadLetterMetadata struct {
	DeliveryUUID   string          `json:"delivery_uuid"`
	SubscriptionID int64           `json:"subscription_id"`
	ResponseCode   *int            `json:"response_code,omitempty"`
	EventMetadata  json.RawMessage `json:"event_metadata,omitempty"`
}

// rollUp recomputes the parent event's status from its deliveries.
func (s *DeliveryServiceImpl) rollUp(ctx context.Context, dbTx pgx.Tx, eventID int64, now time.Time) (domain.EventStatus, error) {
	counts, err := s.deliveryRepo.CountByEvent(ctx, dbTx, eventID)
	if err != nil {
		return "", apperror.ErrDatabaseError(fmt.Errorf("count event deliveries: %w", err))
	}
	status := domain.RollUpEventStatus(counts)
	if err := s.eventRepo.UpdateStatus(ctx, dbTx, eventID, status, now); err != nil {
		return "", apperror.ErrDatabaseError(fmt.Errorf("update event status: %w", err))
	}
	return status, nil
}
