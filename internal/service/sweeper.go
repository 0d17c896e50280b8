package service

import (
	"context"
	"time"

	"webhook-delivery-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SweeperConfig tunes the recovery sweeper.
type SweeperConfig struct {
	Interval            time.Duration
	StuckAfter          time.Duration
	DeadLetterRetention time.Duration // 0 keeps dead letters forever
	LockTTL             time.Duration
}

// SweepReport summarises one sweep round.
type SweepReport struct {
	Skipped   bool // another process holds the sweep lock
	Recovered int64
	Purged    int64
}

// Sweeper periodically recovers stuck deliveries and purges expired dead
// letters. When a lock is configured only its holder sweeps.
type Sweeper struct {
	deliveries  ports.DeliveryService
	deadLetters ports.DeadLetterService
	lock        ports.SweepLock // optional
	owner       string
	cfg         SweeperConfig
	log         zerolog.Logger
	now         func() time.Time
}

// NewSweeper creates a new Sweeper. lock may be nil.
func NewSweeper(deliveries ports.DeliveryService, deadLetters ports.DeadLetterService, lock ports.SweepLock, cfg SweeperConfig, log zerolog.Logger) *Sweeper {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	return &Sweeper{
		deliveries:  deliveries,
		deadLetters: deadLetters,
		lock:        lock,
		owner:       uuid.NewString(),
		cfg:         cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one round: recover stuck deliveries, then purge dead letters.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx, s.owner, s.cfg.LockTTL)
		if err != nil {
			return report, err
		}
		if !acquired {
			report.Skipped = true
			s.log.Debug().Msg("sweep lock held elsewhere, skipping round")
			return report, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), s.owner); err != nil {
				s.log.Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	recovered, err := s.deliveries.SweepStuck(ctx, s.cfg.StuckAfter)
	if err != nil {
		return report, err
	}
	report.Recovered = recovered

	if s.cfg.DeadLetterRetention > 0 {
		purged, err := s.deadLetters.PurgeOlderThan(ctx, s.now().Add(-s.cfg.DeadLetterRetention))
		if err != nil {
			return report, err
		}
		report.Purged = purged
	}

	s.log.Debug().
		Int64("recovered", report.Recovered).
		Int64("purged", report.Purged).
		Msg("sweep finished")
	return report, nil
}
