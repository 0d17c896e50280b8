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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	idempotencyTTL       = 24 * time.Hour
	maxEventTypeLen      = 200
	maxIdempotencyKeyLen = 255
)

// EventServiceImpl implements ports.EventService.
type EventServiceImpl struct {
	eventRepo    ports.EventRepository
	subRepo      ports.SubscriptionRepository
	deliveryRepo ports.DeliveryRepository
	idempCache   ports.IdempotencyCache // optional
	transactor   ports.DBTransactor
	log          zerolog.Logger
	now          func() time.Time
}

// NewEventService creates a new EventServiceImpl. idempCache may be nil.
func NewEventService(
	eventRepo ports.EventRepository,
	subRepo ports.SubscriptionRepository,
	deliveryRepo ports.DeliveryRepository,
	idempCache ports.IdempotencyCache,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *EventServiceImpl {
	return &EventServiceImpl{
		eventRepo:    eventRepo,
		subRepo:      subRepo,
		deliveryRepo: deliveryRepo,
		idempCache:   idempCache,
		transactor:   transactor,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores the event and fans it out to every matching subscription in
// one transaction. A repeated idempotency key returns the original event.
func (s *EventServiceImpl) Enqueue(ctx context.Context, req ports.EnqueueRequest) (*domain.WebhookEvent, error) {
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return nil, apperror.Validation("event_type is required")
	}
	if len(eventType) > maxEventTypeLen {
		return nil, apperror.Validation(fmt.Sprintf("event_type must be at most %d characters", maxEventTypeLen))
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, apperror.Validation(fmt.Sprintf("idempotency key must be at most %d characters", maxIdempotencyKeyLen))
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, apperror.Validation("payload must be a valid JSON document")
	}
	var metadata json.RawMessage
	if len(req.Metadata) > 0 {
		if !json.Valid(req.Metadata) {
			return nil, apperror.Validation("metadata must be a valid JSON document")
		}
		metadata = req.Metadata
	}

	if req.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := s.now()
	event := &domain.WebhookEvent{
		EventUUID:     uuid.New(),
		EventType:     eventType,
		Status:        domain.EventStatusQueued,
		Source:        nonEmpty(req.Source),
		CorrelationID: nonEmpty(req.CorrelationID),
		Payload:       payload,
		Metadata:      metadata,
		FirstQueuedAt: now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		event.IdempotencyKey = &key
	}

	fanOut, err := s.create(ctx, event, now)
	if err != nil {
		// A concurrent request with the same key may have won the insert.
		if req.IdempotencyKey != "" {
			if winner, lookupErr := s.eventRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	s.cacheEvent(ctx, event)

	s.log.Info().
		Int64("event_id", event.ID).
		Str("event_uuid", event.EventUUID.String()).
		Str("event_type", event.EventType).
		Int("deliveries", fanOut).
		Msg("event enqueued")

	return event, nil
}

// create inserts the event and its deliveries. Returns the number of deliveries.
func (s *EventServiceImpl) create(ctx context.Context, event *domain.WebhookEvent, now time.Time) (int, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return 0, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.eventRepo.Create(ctx, dbTx, event); err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("create event: %w", err))
	}

	subs, err := s.subRepo.ListMatching(ctx, dbTx, event.EventType)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list matching subscriptions: %w", err))
	}

	deliveries := make([]*domain.WebhookDelivery, 0, len(subs))
	for _, sub := range subs {
		deliveries = append(deliveries, &domain.WebhookDelivery{
			DeliveryUUID:   uuid.New(),
			EventID:        event.ID,
			SubscriptionID: sub.ID,
			Status:         domain.DeliveryStatusPending,
			MaxAttempts:    sub.MaxAttempts,
			NextAttemptAt:  now,
			CreatedAt:      now,
		})
	}
	if err := s.deliveryRepo.CreateBatch(ctx, dbTx, deliveries); err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("create deliveries: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return 0, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return len(deliveries), nil
}

// findByIdempotencyKey checks Redis first, then the events table.
func (s *EventServiceImpl) findByIdempotencyKey(ctx context.Context, key string) (*domain.WebhookEvent, error) {
	// Layer 1: Redis idempotency check
	if s.idempCache != nil {
		cached, err := s.idempCache.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed, falling through to DB")
		}
		if cached != nil {
			var event domain.WebhookEvent
			if err := json.Unmarshal(cached, &event); err == nil {
				event.IdempotencyKey = &key
				return &event, nil
			}
			s.log.Warn().Str("key", key).Msg("discarding unreadable cached event")
		}
	}

	// Layer 2: DB idempotency check
	event, err := s.eventRepo.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("db idempotency check: %w", err))
	}
	if event != nil {
		s.cacheEvent(ctx, event)
	}
	return event, nil
}

// cacheEvent stores the event under its idempotency key (best-effort).
func (s *EventServiceImpl) cacheEvent(ctx context.Context, event *domain.WebhookEvent) {
	if s.idempCache == nil || event.IdempotencyKey == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.idempCache.Set(ctx, *event.IdempotencyKey, body, idempotencyTTL); err != nil {
		s.log.Warn().Err(err).Str("key", *event.IdempotencyKey).Msg("failed to cache idempotency in redis")
	}
}

// Get returns an event by id.
func (s *EventServiceImpl) Get(ctx context.Context, id int64) (*domain.WebhookEvent, error) {
	event, err := s.eventRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get event: %w", err))
	}
	if event == nil {
		return nil, apperror.ErrEventNotFound(id)
	}
	return event, nil
}

// SummariseStatuses returns the per-status delivery counts of one event, with
// every status present.
func (s *EventServiceImpl) SummariseStatuses(ctx context.Context, eventID int64) (domain.StatusCounts, error) {
	if _, err := s.Get(ctx, eventID); err != nil {
		return nil, err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	counts, err := s.deliveryRepo.CountByEvent(ctx, dbTx, eventID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("count deliveries: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return counts.WithAllStatuses(), nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
