package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"webhook-delivery-engine/internal/core/ports/mocks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type sweeperTestDeps struct {
	sweeper     *Sweeper
	deliveries  *mocks.MockDeliveryService
	deadLetters *mocks.MockDeadLetterService
	lock        *mocks.MockSweepLock
}

func setupSweeper(t *testing.T, withLock bool, cfg SweeperConfig) *sweeperTestDeps {
	ctrl := gomock.NewController(t)
	d := &sweeperTestDeps{
		deliveries:  mocks.NewMockDeliveryService(ctrl),
		deadLetters: mocks.NewMockDeadLetterService(ctrl),
	}
	var lock *mocks.MockSweepLock
	if withLock {
		lock = mocks.NewMockSweepLock(ctrl)
		d.lock = lock
		d.sweeper = NewSweeper(d.deliveries, d.deadLetters, lock, cfg, newTestLogger())
	} else {
		d.sweeper = NewSweeper(d.deliveries, d.deadLetters, nil, cfg, newTestLogger())
	}
	d.sweeper.now = fixedClock
	return d
}

var testSweeperConfig = SweeperConfig{
	Interval:            time.Minute,
	StuckAfter:          5 * time.Minute,
	DeadLetterRetention: 24 * time.Hour,
	LockTTL:             30 * time.Second,
}

func TestSweeper_SweepOnce_HoldsLockAroundRound(t *testing.T) {
	d := setupSweeper(t, true, testSweeperConfig)
	ctx := context.Background()
	owner := d.sweeper.owner

	gomock.InOrder(
		d.lock.EXPECT().TryAcquire(ctx, owner, 30*time.Second).Return(true, nil),
		d.deliveries.EXPECT().SweepStuck(ctx, 5*time.Minute).Return(int64(2), nil),
		d.deadLetters.EXPECT().PurgeOlderThan(ctx, fixedNow.Add(-24*time.Hour)).Return(int64(1), nil),
		d.lock.EXPECT().Release(gomock.Any(), owner).Return(nil),
	)

	report, err := d.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Recovered: 2, Purged: 1}, report)
}

func TestSweeper_SweepOnce_SkipsWhenLockHeld(t *testing.T) {
	d := setupSweeper(t, true, testSweeperConfig)
	d.lock.EXPECT().TryAcquire(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, nil)

	report, err := d.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestSweeper_SweepOnce_ReleasesLockOnError(t *testing.T) {
	d := setupSweeper(t, true, testSweeperConfig)
	sweepErr := errors.New("db down")

	d.lock.EXPECT().TryAcquire(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	d.deliveries.EXPECT().SweepStuck(gomock.Any(), 5*time.Minute).Return(int64(0), sweepErr)
	d.lock.EXPECT().Release(gomock.Any(), d.sweeper.owner).Return(nil)

	_, err := d.sweeper.SweepOnce(context.Background())
	assert.ErrorIs(t, err, sweepErr)
}

func TestSweeper_SweepOnce_WithoutLockOrRetention(t *testing.T) {
	cfg := testSweeperConfig
	cfg.DeadLetterRetention = 0
	d := setupSweeper(t, false, cfg)

	d.deliveries.EXPECT().SweepStuck(gomock.Any(), 5*time.Minute).Return(int64(0), nil)

	report, err := d.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

func TestSweeper_Run_StopsOnCancel(t *testing.T) {
	cfg := testSweeperConfig
	cfg.DeadLetterRetention = 0
	d := setupSweeper(t, false, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	d.deliveries.EXPECT().SweepStuck(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, time.Duration) (int64, error) {
			cancel()
			return 0, nil
		})

	done := make(chan error, 1)
	go func() { done <- d.sweeper.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
