package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"webhook-delivery-engine/internal/adapter/storage/memory"
	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is shared by every service of an engine so tests can move time forward.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// engine wires the services over the in-memory storage driver.
type engine struct {
	clock        *testClock
	subs         *memory.SubscriptionRepo
	deliveryRepo *memory.DeliveryRepo
	events       *EventServiceImpl
	deliveries   *DeliveryServiceImpl
	deadLetters  *DeadLetterServiceImpl
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	store := memory.NewStore()
	tx := memory.NewTransactor(store)
	eventRepo := memory.NewEventRepo(store)
	subRepo := memory.NewSubscriptionRepo(store)
	deliveryRepo := memory.NewDeliveryRepo(store)
	deadLetterRepo := memory.NewDeadLetterRepo(store)
	log := newTestLogger()

	e := &engine{
		clock:        &testClock{t: fixedNow},
		subs:         subRepo,
		deliveryRepo: deliveryRepo,
		events:       NewEventService(eventRepo, subRepo, deliveryRepo, nil, tx, log),
		deliveries:   NewDeliveryService(deliveryRepo, eventRepo, subRepo, deadLetterRepo, tx, log),
		deadLetters:  NewDeadLetterService(deadLetterRepo, tx, log),
	}
	e.events.now = e.clock.Now
	e.deliveries.now = e.clock.Now
	e.deadLetters.now = e.clock.Now
	return e
}

// addSubscription registers an order.paid subscription with 3 attempts and a 10s
// backoff whose circuit trips after 2 failures for 300s.
func (e *engine) addSubscription(t *testing.T, mutate func(*domain.WebhookSubscription)) *domain.WebhookSubscription {
	t.Helper()
	sub := &domain.WebhookSubscription{
		Name:                          "orders",
		TargetURL:                     "https://hooks.example.com/orders",
		SigningSecret:                 "whsec_orders",
		DeliveryTimeoutMs:             5000,
		MaxAttempts:                   3,
		RetryBackoffSeconds:           10,
		CircuitBreakerThreshold:       2,
		CircuitBreakerDurationSeconds: 300,
		EventTypes:                    []string{"order.paid"},
		Enabled:                       true,
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, e.subs.Add(context.Background(), sub))
	return sub
}

func (e *engine) enqueue(t *testing.T, eventType string) *domain.WebhookEvent {
	t.Helper()
	ev, err := e.events.Enqueue(context.Background(), ports.EnqueueRequest{
		EventType: eventType,
		Payload:   json.RawMessage(`{"order_id":42}`),
	})
	require.NoError(t, err)
	return ev
}

func (e *engine) claimOne(t *testing.T) domain.DeliveryWorkItem {
	t.Helper()
	items, err := e.deliveries.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func (e *engine) subscription(t *testing.T, id int64) *domain.WebhookSubscription {
	t.Helper()
	sub, err := e.subs.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func (e *engine) event(t *testing.T, id int64) *domain.WebhookEvent {
	t.Helper()
	ev, err := e.events.Get(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func TestEngine_EndToEndScenario(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sub := e.addSubscription(t, nil)

	ev := e.enqueue(t, "order.paid")
	counts, err := e.events.SummariseStatuses(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.DeliveryStatusPending])

	// first attempt fails, retryable
	item := e.claimOne(t)
	assert.Equal(t, domain.DeliveryStatusDelivering, item.Delivery.Status)
	d, err := e.deliveries.ReportFailed(ctx, item.Delivery.ID, domain.FailedOutcome{
		ErrorCode:     "http_500",
		NextAttemptAt: e.clock.Now().Add(10 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Equal(t, 1, e.subscription(t, sub.ID).ConsecutiveFailures)

	// not due yet
	items, err := e.deliveries.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	// second attempt fails terminally
	e.clock.Advance(10 * time.Second)
	item = e.claimOne(t)
	d, err = e.deliveries.ReportFailed(ctx, item.Delivery.ID, domain.FailedOutcome{
		ErrorCode:    "timeout",
		ErrorMessage: "context deadline exceeded",
		Terminal:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusFailed, d.Status)
	assert.Equal(t, 2, d.AttemptCount)
	require.NotNil(t, d.FailedAt)

	n, err := e.deadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	dl, err := e.deadLetters.FindByDispatchID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.AttemptCount, dl.AttemptCount)
	assert.Equal(t, "order.paid", dl.EventType)
	assert.Equal(t, "timeout", dl.FailureReason)
	assert.JSONEq(t, `{"order_id":42}`, string(dl.EventPayload))

	s := e.subscription(t, sub.ID)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	require.NotNil(t, s.CircuitOpenUntil)
	assert.Equal(t, e.clock.Now().Add(300*time.Second), *s.CircuitOpenUntil)

	got := e.event(t, ev.ID)
	assert.Equal(t, domain.EventStatusFailed, got.Status)
	assert.NotNil(t, got.FailedAt)
	assert.Nil(t, got.DeliveredAt)
}

func TestEngine_FanOutMatchesEnabledSubscriptions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.addSubscription(t, nil)
	e.addSubscription(t, func(s *domain.WebhookSubscription) { s.EventTypes = nil })
	e.addSubscription(t, func(s *domain.WebhookSubscription) { s.EventTypes = []string{"invoice.voided"} })
	e.addSubscription(t, func(s *domain.WebhookSubscription) { s.Enabled = false })

	ev := e.enqueue(t, "order.paid")
	assert.Equal(t, domain.EventStatusQueued, ev.Status)

	counts, err := e.events.SummariseStatuses(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.DeliveryStatusPending])

}

func TestEngine_EventWithoutSubscribersStaysQueued(t *testing.T) {
	e := newEngine(t)
	e.addSubscription(t, nil)

	orphan := e.enqueue(t, "refund.created")
	counts, err := e.events.SummariseStatuses(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounts{}.WithAllStatuses(), counts)
	assert.Equal(t, domain.EventStatusQueued, e.event(t, orphan.ID).Status)
}

func TestEngine_IdempotencyKeyWithoutCache(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addSubscription(t, nil)

	req := ports.EnqueueRequest{EventType: "order.paid", IdempotencyKey: "order-42-paid"}
	first, err := e.events.Enqueue(ctx, req)
	require.NoError(t, err)
	second, err := e.events.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	depth, err := e.deliveries.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth[domain.DeliveryStatusPending])
}

func TestEngine_ConcurrentClaimersNeverShareADelivery(t *testing.T) {
	e := newEngine(t)
	e.addSubscription(t, func(s *domain.WebhookSubscription) { s.EventTypes = nil })
	e.addSubscription(t, func(s *domain.WebhookSubscription) { s.EventTypes = nil })
	for i := 0; i < 25; i++ {
		e.enqueue(t, "order.paid")
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := e.deliveries.ClaimPending(context.Background(), 4)
				if !assert.NoError(t, err) || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it.Delivery.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "delivery %d claimed %d times", id, n)
	}
}

func TestEngine_AttemptsAreMonotonicAcrossSweeps(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addSubscription(t, func(s *domain.WebhookSubscription) {
		s.MaxAttempts = 10
		s.CircuitBreakerThreshold = 0
	})
	e.enqueue(t, "order.paid")

	last := 0
	for i := 0; i < 4; i++ {
		item := e.claimOne(t)
		assert.Equal(t, last, item.Delivery.AttemptCount)

		if i%2 == 1 {
			// worker vanished: the sweeper requeues without counting an attempt
			e.clock.Advance(10 * time.Minute)
			n, err := e.deliveries.SweepStuck(ctx, 5*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			continue
		}

		d, err := e.deliveries.ReportFailed(ctx, item.Delivery.ID, domain.FailedOutcome{
			ErrorCode: "http_502", NextAttemptAt: e.clock.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, last+1, d.AttemptCount)
		last = d.AttemptCount
	}
	assert.Equal(t, 2, last)
}

func TestEngine_TerminalFailureIsIdempotent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sub := e.addSubscription(t, func(s *domain.WebhookSubscription) { s.CircuitBreakerThreshold = 5 })
	e.enqueue(t, "order.paid")

	item := e.claimOne(t)
	terminal := domain.FailedOutcome{ErrorCode: "http_410", Terminal: true}
	first, err := e.deliveries.ReportFailed(ctx, item.Delivery.ID, terminal)
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	terminal.ErrorMessage = "gone for good"
	second, err := e.deliveries.ReportFailed(ctx, item.Delivery.ID, terminal)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusFailed, second.Status)
	assert.Equal(t, first.AttemptCount+1, second.AttemptCount)

	entries, err := e.deadLetters.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second.AttemptCount, entries[0].AttemptCount)
	assert.Equal(t, "gone for good", entries[0].FailureMessage)
	assert.Equal(t, e.clock.Now(), entries[0].FailedAt)

	// the repeat report refreshes the archive without counting toward the circuit
	assert.Equal(t, 1, e.subscription(t, sub.ID).ConsecutiveFailures)

	// a failed delivery never accepts a success or a retryable failure
	_, err = e.deliveries.ReportDelivered(ctx, item.Delivery.ID, domain.DeliveredOutcome{ResponseCode: 200})
	assert.Error(t, err)
	_, err = e.deliveries.ReportFailed(ctx, item.Delivery.ID, domain.FailedOutcome{ErrorCode: "http_500"})
	assert.Error(t, err)
}

func TestEngine_CircuitTripSuppressesClaimsUntilExpiry(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sub := e.addSubscription(t, nil)
	other := e.addSubscription(t, func(s *domain.WebhookSubscription) {
		s.EventTypes = []string{"invoice.voided"}
	})

	for i := 0; i < 2; i++ {
		e.enqueue(t, "order.paid")
		item := e.claimOne(t)
		_, err := e.deliveries.ReportFailed(ctx, item.Delivery.ID, domain.FailedOutcome{
			ErrorCode: "http_503", NextAttemptAt: e.clock.Now().Add(time.Hour),
		})
		require.NoError(t, err)
	}

	open, err := e.deliveries.ListOpenCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, sub.ID, open[0].ID)

	// fan-out still happens while the circuit is open
	e.enqueue(t, "order.paid")
	e.enqueue(t, "invoice.voided")
	items, err := e.deliveries.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, other.ID, items[0].Subscription.ID)

	e.clock.Advance(301 * time.Second)
	items, err = e.deliveries.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, sub.ID, items[0].Subscription.ID)

	open, err = e.deliveries.ListOpenCircuits(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEngine_SuccessResetsCircuitCounter(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sub := e.addSubscription(t, func(s *domain.WebhookSubscription) { s.CircuitBreakerThreshold = 3 })
	ev := e.enqueue(t, "order.paid")

	item := e.claimOne(t)
	_, err := e.deliveries.ReportFailed(ctx, item.Delivery.ID, domain.FailedOutcome{
		ErrorCode: "network_error", NextAttemptAt: e.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.subscription(t, sub.ID).ConsecutiveFailures)

	item = e.claimOne(t)
	d, err := e.deliveries.ReportDelivered(ctx, item.Delivery.ID, domain.DeliveredOutcome{
		ResponseCode: 200, ResponseBody: "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusDelivered, d.Status)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Equal(t, 0, e.subscription(t, sub.ID).ConsecutiveFailures)

	got := e.event(t, ev.ID)
	assert.Equal(t, domain.EventStatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestEngine_StuckDeliveryIsRecovered(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addSubscription(t, nil)
	e.enqueue(t, "order.paid")

	stale := e.claimOne(t)

	e.clock.Advance(2 * time.Minute)
	n, err := e.deliveries.SweepStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "a recent claim is left alone")

	e.clock.Advance(4 * time.Minute)
	n, err = e.deliveries.SweepStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recovered := e.claimOne(t)
	assert.Equal(t, stale.Delivery.ID, recovered.Delivery.ID)
	assert.Equal(t, 0, recovered.Delivery.AttemptCount)

	// the original worker finishing late is still recorded
	d, err := e.deliveries.ReportDelivered(ctx, stale.Delivery.ID, domain.DeliveredOutcome{ResponseCode: 204})
	require.NoError(t, err)
	assert.Equal(t, 1, d.AttemptCount)
}

func TestEngine_OutcomeBeforeClaimIsRejected(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sub := e.addSubscription(t, nil)
	ev := e.enqueue(t, "order.paid")

	// the first delivery of a fresh store gets id 1
	d, err := e.deliveryRepo.GetByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, domain.DeliveryStatusPending, d.Status)

	_, err = e.deliveries.ReportDelivered(ctx, d.ID, domain.DeliveredOutcome{ResponseCode: 200})
	assert.True(t, apperror.Is(err, "DLV_002"))
	_, err = e.deliveries.ReportFailed(ctx, d.ID, domain.FailedOutcome{ErrorCode: "http_500"})
	assert.True(t, apperror.Is(err, "DLV_002"))
	_, err = e.deliveries.ReportFailed(ctx, d.ID, domain.FailedOutcome{ErrorCode: "http_410", Terminal: true})
	assert.True(t, apperror.Is(err, "DLV_002"))

	d, err = e.deliveryRepo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, d.Status)
	assert.Zero(t, d.AttemptCount)
	assert.Zero(t, e.subscription(t, sub.ID).ConsecutiveFailures)
	assert.Equal(t, domain.EventStatusQueued, e.event(t, ev.ID).Status)

	// once claimed the same row accepts its outcome
	item := e.claimOne(t)
	require.Equal(t, d.ID, item.Delivery.ID)
	got, err := e.deliveries.ReportDelivered(ctx, d.ID, domain.DeliveredOutcome{ResponseCode: 200})
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestEngine_MixedOutcomesRollUpToPartial(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addSubscription(t, nil)
	e.addSubscription(t, nil)
	ev := e.enqueue(t, "order.paid")

	items, err := e.deliveries.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	_, err = e.deliveries.ReportDelivered(ctx, items[0].Delivery.ID, domain.DeliveredOutcome{ResponseCode: 200})
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusQueued, e.event(t, ev.ID).Status)

	_, err = e.deliveries.ReportFailed(ctx, items[1].Delivery.ID, domain.FailedOutcome{ErrorCode: "http_404", Terminal: true})
	require.NoError(t, err)

	got := e.event(t, ev.ID)
	assert.Equal(t, domain.EventStatusPartial, got.Status)
	assert.NotNil(t, got.DeliveredAt)
	assert.NotNil(t, got.FailedAt)
}

func TestEngine_PurgeDeadLetters(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addSubscription(t, func(s *domain.WebhookSubscription) { s.CircuitBreakerThreshold = 0 })

	for i := 0; i < 3; i++ {
		e.enqueue(t, "order.paid")
		item := e.claimOne(t)
		_, err := e.deliveries.ReportFailed(ctx, item.Delivery.ID, domain.FailedOutcome{ErrorCode: "http_400", Terminal: true})
		require.NoError(t, err)
		e.clock.Advance(24 * time.Hour)
	}

	purged, err := e.deadLetters.PurgeOlderThan(ctx, e.clock.Now().Add(-36*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	n, err := e.deadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
