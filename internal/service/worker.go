package service

import (
	"context"
	"sync"
	"time"

	"webhook-delivery-engine/internal/core/domain"
	"webhook-delivery-engine/internal/core/ports"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Dispatcher attempts one claimed delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, item domain.DeliveryWorkItem) DispatchResult
}

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	// LeaseTimeout is how long a claim may stay in delivering before the
	// sweeper requeues it. Zero disables the per-subscription timeout check.
	LeaseTimeout time.Duration
}

// Worker polls the queue, dispatches claimed deliveries with bounded
// concurrency and reports every outcome back.
type Worker struct {
	deliveries ports.DeliveryService
	dispatcher Dispatcher
	cfg        WorkerConfig
	log        zerolog.Logger

	warned sync.Map // subscription id -> struct{}, for the lease timeout warning
}

// NewWorker creates a new Worker.
func NewWorker(deliveries ports.DeliveryService, dispatcher Dispatcher, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{deliveries: deliveries, dispatcher: dispatcher, cfg: cfg, log: log}
}

// Run polls until ctx is cancelled. A full batch triggers an immediate re-poll.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Int("concurrency", w.cfg.Concurrency).
		Msg("delivery worker started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("delivery worker stopped")
			return nil
		case <-timer.C:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("claim failed")
		}
		next := w.cfg.PollInterval
		if err == nil && n == w.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// RunOnce claims one batch and waits for every delivery in it to be reported.
// Returns the number of deliveries claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.deliveries.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			w.process(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}

// process never fails the batch; anything unreported is left in delivering
// for the sweeper. An attempt that completed is reported even if shutdown
// started meanwhile.
func (w *Worker) process(ctx context.Context, item domain.DeliveryWorkItem) {
	w.checkLease(item.Subscription)

	result := w.dispatcher.Dispatch(ctx, item)
	reportCtx := context.WithoutCancel(ctx)

	var err error
	switch {
	case result.Delivered != nil:
		_, err = w.deliveries.ReportDelivered(reportCtx, item.Delivery.ID, *result.Delivered)
	case result.Failed != nil:
		_, err = w.deliveries.ReportFailed(reportCtx, item.Delivery.ID, *result.Failed)
	default:
		w.log.Warn().Int64("delivery_id", item.Delivery.ID).Msg("dispatch interrupted, leaving delivery for recovery")
		return
	}
	if err != nil {
		w.log.Error().Err(err).
			Int64("delivery_id", item.Delivery.ID).
			Int64("subscription_id", item.Subscription.ID).
			Msg("failed to record delivery outcome")
	}
}

// checkLease warns once per subscription whose delivery timeout can outlive
// the claim lease. The sweeper would requeue such a row mid-request.
func (w *Worker) checkLease(sub domain.WebhookSubscription) {
	if w.cfg.LeaseTimeout <= 0 || sub.DeliveryTimeoutMs <= 0 {
		return
	}
	timeout := time.Duration(sub.DeliveryTimeoutMs) * time.Millisecond
	if timeout < w.cfg.LeaseTimeout {
		return
	}
	if _, seen := w.warned.LoadOrStore(sub.ID, struct{}{}); seen {
		return
	}
	w.log.Warn().
		Int64("subscription_id", sub.ID).
		Dur("delivery_timeout", timeout).
		Dur("stuck_after", w.cfg.LeaseTimeout).
		Msg("subscription delivery timeout reaches the stuck threshold; in-flight attempts may be requeued")
}
