package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/internal/core/ports/mocks"
	"webhook-delivery-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type deliveryTestDeps struct {
	svc            *DeliveryServiceImpl
	deliveryRepo   *mocks.MockDeliveryRepository
	eventRepo      *mocks.MockEventRepository
	subRepo        *mocks.MockSubscriptionRepository
	deadLetterRepo *mocks.MockDeadLetterRepository
	transactor     *mocks.MockDBTransactor
	tx             *fakeTx
}

func setupDeliveryService(t *testing.T) *deliveryTestDeps {
	ctrl := gomock.NewController(t)
	d := &deliveryTestDeps{
		deliveryRepo:   mocks.NewMockDeliveryRepository(ctrl),
		eventRepo:      mocks.NewMockEventRepository(ctrl),
		subRepo:        mocks.NewMockSubscriptionRepository(ctrl),
		deadLetterRepo: mocks.NewMockDeadLetterRepository(ctrl),
		transactor:     mocks.NewMockDBTransactor(ctrl),
		tx:             &fakeTx{},
	}
	d.svc = NewDeliveryService(d.deliveryRepo, d.eventRepo, d.subRepo, d.deadLetterRepo, d.transactor, newTestLogger())
	d.svc.now = fixedClock
	return d
}

func pendingDelivery(id int64, status domain.DeliveryStatus, attempts int) *domain.WebhookDelivery {
	return &domain.WebhookDelivery{
		ID:             id,
		DeliveryUUID:   uuid.New(),
		EventID:        100,
		SubscriptionID: 10,
		Status:         status,
		AttemptCount:   attempts,
		MaxAttempts:    3,
	}
}

// ==================== ClaimPending Tests ====================

func TestDeliveryService_ClaimPending_MarksDelivering(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	items := []domain.DeliveryWorkItem{
		{Delivery: *pendingDelivery(1, domain.DeliveryStatusPending, 0)},
		{Delivery: *pendingDelivery(2, domain.DeliveryStatusPending, 1)},
	}
	gomock.InOrder(
		d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil),
		d.deliveryRepo.EXPECT().LockPending(ctx, d.tx, 10, fixedNow).Return(items, nil),
		d.deliveryRepo.EXPECT().MarkDelivering(ctx, d.tx, []int64{1, 2}, fixedNow).Return(nil),
	)

	claimed, err := d.svc.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.True(t, d.tx.committed)
	require.Len(t, claimed, 2)
	for _, it := range claimed {
		assert.Equal(t, domain.DeliveryStatusDelivering, it.Delivery.Status)
		assert.Equal(t, fixedNow, *it.Delivery.LastAttemptAt)
	}
}

func TestDeliveryService_ClaimPending_Empty(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().LockPending(ctx, d.tx, 5, fixedNow).Return(nil, nil)

	claimed, err := d.svc.ClaimPending(ctx, 5)
	require.NoError(t, err)
	assert.NotNil(t, claimed)
	assert.Empty(t, claimed)
}

func TestDeliveryService_ClaimPending_InvalidLimit(t *testing.T) {
	d := setupDeliveryService(t)
	for _, limit := range []int{0, -1, MaxListLimit + 1} {
		_, err := d.svc.ClaimPending(context.Background(), limit)
		assert.True(t, apperror.Is(err, "VAL_001"), "limit %d", limit)
	}
}

func TestDeliveryService_ClaimPending_MarkDeliveringError(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()
	dbErr := errors.New("expected 2 rows, updated 1")

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().LockPending(ctx, d.tx, 10, fixedNow).Return([]domain.DeliveryWorkItem{
		{Delivery: *pendingDelivery(1, domain.DeliveryStatusPending, 0)},
	}, nil)
	d.deliveryRepo.EXPECT().MarkDelivering(ctx, d.tx, []int64{1}, fixedNow).Return(dbErr)

	_, err := d.svc.ClaimPending(ctx, 10)
	assert.ErrorIs(t, err, dbErr)
	assert.False(t, d.tx.committed)
}

// ==================== ReportDelivered Tests ====================

func TestDeliveryService_ReportDelivered_ResetsCircuitAndRollsUp(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	current := pendingDelivery(1, domain.DeliveryStatusDelivering, 0)
	updated := *current
	updated.Status = domain.DeliveryStatusDelivered
	updated.AttemptCount = 1
	outcome := domain.DeliveredOutcome{ResponseCode: 204}

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(current, nil)
	d.deliveryRepo.EXPECT().MarkDelivered(ctx, d.tx, int64(1), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, _ int64, o domain.DeliveredOutcome) (*domain.WebhookDelivery, error) {
			assert.Equal(t, fixedNow, o.DeliveredAt, "zero delivered_at defaults to now")
			return &updated, nil
		})
	d.subRepo.EXPECT().RecordSuccess(ctx, d.tx, int64(10)).Return(nil)
	d.deliveryRepo.EXPECT().CountByEvent(ctx, d.tx, int64(100)).Return(domain.StatusCounts{domain.DeliveryStatusDelivered: 1}, nil)
	d.eventRepo.EXPECT().UpdateStatus(ctx, d.tx, int64(100), domain.EventStatusDelivered, fixedNow).Return(nil)

	got, err := d.svc.ReportDelivered(ctx, 1, outcome)
	require.NoError(t, err)
	assert.True(t, d.tx.committed)
	assert.Equal(t, domain.DeliveryStatusDelivered, got.Status)
}

func TestDeliveryService_ReportDelivered_NotFound(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(nil, nil)

	_, err := d.svc.ReportDelivered(ctx, 1, domain.DeliveredOutcome{ResponseCode: 200})
	assert.True(t, apperror.Is(err, "DLV_001"))
}

func TestDeliveryService_ReportDelivered_RejectsTerminalRow(t *testing.T) {
	for _, status := range []domain.DeliveryStatus{domain.DeliveryStatusDelivered, domain.DeliveryStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			d := setupDeliveryService(t)
			ctx := context.Background()

			d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
			d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(pendingDelivery(1, status, 1), nil)

			_, err := d.svc.ReportDelivered(ctx, 1, domain.DeliveredOutcome{ResponseCode: 200})
			assert.True(t, apperror.Is(err, "DLV_002"))
			assert.False(t, d.tx.committed)
		})
	}
}

func TestDeliveryService_RejectsOutcomeForUnclaimedRow(t *testing.T) {
	report := map[string]func(svc *DeliveryServiceImpl) error{
		"delivered": func(svc *DeliveryServiceImpl) error {
			_, err := svc.ReportDelivered(context.Background(), 1, domain.DeliveredOutcome{ResponseCode: 200})
			return err
		},
		"failed": func(svc *DeliveryServiceImpl) error {
			_, err := svc.ReportFailed(context.Background(), 1, domain.FailedOutcome{ErrorCode: "http_500"})
			return err
		},
	}
	for name, fn := range report {
		t.Run(name, func(t *testing.T) {
			d := setupDeliveryService(t)
			ctx := context.Background()

			d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
			d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(pendingDelivery(1, domain.DeliveryStatusPending, 0), nil)

			err := fn(d.svc)
			assert.True(t, apperror.Is(err, "DLV_002"))
			assert.False(t, d.tx.committed)
		})
	}
}

// ==================== ReportFailed Tests ====================

func TestDeliveryService_ReportFailed_RetryableCountsTowardCircuit(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	current := pendingDelivery(1, domain.DeliveryStatusDelivering, 0)
	updated := *current
	updated.Status = domain.DeliveryStatusPending
	updated.AttemptCount = 1
	next := fixedNow.Add(10 * time.Second)
	outcome := domain.FailedOutcome{ErrorCode: "http_503", ErrorMessage: "unavailable", NextAttemptAt: next}
	openUntil := fixedNow.Add(5 * time.Minute)

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(current, nil)
	d.deliveryRepo.EXPECT().MarkFailed(ctx, d.tx, int64(1), outcome, fixedNow).Return(&updated, nil)
	d.subRepo.EXPECT().RecordFailure(ctx, d.tx, int64(10), fixedNow).Return(&ports.CircuitState{
		ConsecutiveFailures: 2, CircuitOpenUntil: &openUntil,
	}, nil)
	d.deliveryRepo.EXPECT().CountByEvent(ctx, d.tx, int64(100)).Return(domain.StatusCounts{domain.DeliveryStatusPending: 1}, nil)
	d.eventRepo.EXPECT().UpdateStatus(ctx, d.tx, int64(100), domain.EventStatusQueued, fixedNow).Return(nil)

	got, err := d.svc.ReportFailed(ctx, 1, outcome)
	require.NoError(t, err)
	assert.True(t, d.tx.committed)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestDeliveryService_ReportFailed_TerminalArchivesDeadLetter(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	current := pendingDelivery(1, domain.DeliveryStatusDelivering, 2)
	updated := *current
	updated.Status = domain.DeliveryStatusFailed
	updated.AttemptCount = 3
	outcome := domain.FailedOutcome{ErrorCode: "timeout", ErrorMessage: "deadline exceeded", Terminal: true}
	event := &domain.WebhookEvent{
		ID: 100, EventType: "order.paid",
		Payload:  json.RawMessage(`{"order":1}`),
		Metadata: json.RawMessage(`{"tenant":"acme"}`),
	}

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(current, nil)
	d.deliveryRepo.EXPECT().MarkFailed(ctx, d.tx, int64(1), outcome, fixedNow).Return(&updated, nil)
	d.subRepo.EXPECT().RecordFailure(ctx, d.tx, int64(10), fixedNow).Return(&ports.CircuitState{ConsecutiveFailures: 1}, nil)
	d.eventRepo.EXPECT().GetByID(ctx, int64(100)).Return(event, nil)
	d.deadLetterRepo.EXPECT().Upsert(ctx, d.tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ any, e *domain.DeadLetterEntry) error {
			assert.Equal(t, int64(1), e.DispatchID)
			assert.Equal(t, int64(100), e.EventID)
			assert.Equal(t, "order.paid", e.EventType)
			assert.Equal(t, 3, e.AttemptCount)
			assert.Equal(t, "timeout", e.FailureReason)
			assert.Equal(t, "deadline exceeded", e.FailureMessage)
			assert.JSONEq(t, `{"order":1}`, string(e.EventPayload))
			assert.Contains(t, string(e.Metadata), `"event_metadata":{"tenant":"acme"}`)
			assert.Equal(t, fixedNow, e.FailedAt)
			return nil
		})
	d.deliveryRepo.EXPECT().CountByEvent(ctx, d.tx, int64(100)).Return(domain.StatusCounts{domain.DeliveryStatusFailed: 1}, nil)
	d.eventRepo.EXPECT().UpdateStatus(ctx, d.tx, int64(100), domain.EventStatusFailed, fixedNow).Return(nil)

	got, err := d.svc.ReportFailed(ctx, 1, outcome)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusFailed, got.Status)
}

func TestDeliveryService_ReportFailed_RepeatTerminalSkipsCircuit(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	current := pendingDelivery(1, domain.DeliveryStatusFailed, 3)
	updated := *current
	updated.AttemptCount = 4
	outcome := domain.FailedOutcome{ErrorCode: "timeout", Terminal: true}

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(current, nil)
	d.deliveryRepo.EXPECT().MarkFailed(ctx, d.tx, int64(1), outcome, fixedNow).Return(&updated, nil)
	d.eventRepo.EXPECT().GetByID(ctx, int64(100)).Return(&domain.WebhookEvent{ID: 100}, nil)
	d.deadLetterRepo.EXPECT().Upsert(ctx, d.tx, gomock.Any()).Return(nil)
	d.deliveryRepo.EXPECT().CountByEvent(ctx, d.tx, int64(100)).Return(domain.StatusCounts{domain.DeliveryStatusFailed: 1}, nil)
	d.eventRepo.EXPECT().UpdateStatus(ctx, d.tx, int64(100), domain.EventStatusFailed, fixedNow).Return(nil)

	_, err := d.svc.ReportFailed(ctx, 1, outcome)
	require.NoError(t, err)
}

func TestDeliveryService_ReportFailed_RetryableOnFailedRowRejected(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(pendingDelivery(1, domain.DeliveryStatusFailed, 3), nil)

	_, err := d.svc.ReportFailed(ctx, 1, domain.FailedOutcome{ErrorCode: "http_500"})
	assert.True(t, apperror.Is(err, "DLV_002"))
}

func TestDeliveryService_ReportFailed_Validation(t *testing.T) {
	d := setupDeliveryService(t)

	_, err := d.svc.ReportFailed(context.Background(), 1, domain.FailedOutcome{ErrorCode: " "})
	assert.True(t, apperror.Is(err, "VAL_001"))

	_, err = d.svc.ReportFailed(context.Background(), 0, domain.FailedOutcome{ErrorCode: "timeout"})
	assert.True(t, apperror.Is(err, "VAL_001"))
}

func TestDeliveryService_ReportFailed_RollsBackOnRollUpError(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()
	dbErr := errors.New("deadlock detected")

	current := pendingDelivery(1, domain.DeliveryStatusDelivering, 0)
	updated := *current
	updated.Status = domain.DeliveryStatusPending
	outcome := domain.FailedOutcome{ErrorCode: "http_500", NextAttemptAt: fixedNow}

	d.transactor.EXPECT().Begin(ctx).Return(d.tx, nil)
	d.deliveryRepo.EXPECT().GetByIDForUpdate(ctx, d.tx, int64(1)).Return(current, nil)
	d.deliveryRepo.EXPECT().MarkFailed(ctx, d.tx, int64(1), outcome, fixedNow).Return(&updated, nil)
	d.subRepo.EXPECT().RecordFailure(ctx, d.tx, int64(10), fixedNow).Return(&ports.CircuitState{ConsecutiveFailures: 1}, nil)
	d.deliveryRepo.EXPECT().CountByEvent(ctx, d.tx, int64(100)).Return(nil, dbErr)

	_, err := d.svc.ReportFailed(ctx, 1, outcome)
	assert.ErrorIs(t, err, dbErr)
	assert.False(t, d.tx.committed)
}

// ==================== Sweep / Stats Tests ====================

func TestDeliveryService_SweepStuck(t *testing.T) {
	d := setupDeliveryService(t)
	ctx := context.Background()

	d.deliveryRepo.EXPECT().RecoverStuck(ctx, fixedNow.Add(-5*time.Minute), fixedNow).Return(int64(3), nil)

	n, err := d.svc.SweepStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = d.svc.SweepStuck(ctx, 0)
	assert.True(t, apperror.Is(err, "VAL_001"))
}

func TestDeliveryService_QueueDepth(t *testing.T) {
	d := setupDeliveryService(t)
	d.deliveryRepo.EXPECT().CountByStatus(gomock.Any()).Return(domain.StatusCounts{domain.DeliveryStatusPending: 4}, nil)

	counts, err := d.svc.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Len(t, counts, 4)
	assert.Equal(t, int64(4), counts[domain.DeliveryStatusPending])
	assert.Equal(t, int64(0), counts[domain.DeliveryStatusFailed])
}

func TestDeliveryService_ListOpenCircuits(t *testing.T) {
	d := setupDeliveryService(t)
	d.subRepo.EXPECT().ListOpenCircuits(gomock.Any(), fixedNow).Return(nil, nil)

	subs, err := d.svc.ListOpenCircuits(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, subs)
	assert.Empty(t, subs)
}
