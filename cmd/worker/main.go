package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"webhook-delivery-engine/config"
	pgStorage "webhook-delivery-engine/internal/adapter/storage/postgres"
	redisStorage "webhook-delivery-engine/internal/adapter/storage/redis"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/internal/service"
	"webhook-delivery-engine/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("worker", cfg.Log.Level, cfg.Log.Pretty)

	if cfg.Storage.Driver != config.DriverPostgres {
		log.Fatal().
			Str("driver", cfg.Storage.Driver).
			Msg("The standalone worker needs shared storage; the memory driver runs its worker inside the API")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// Without Redis every worker sweeps; the sweep is idempotent.
	var sweepLock ports.SweepLock
	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		sweepLock = redisStorage.NewSweepLock(rdb)
	}

	// Initialize repositories
	eventRepo := pgStorage.NewEventRepo(pool)
	subRepo := pgStorage.NewSubscriptionRepo(pool)
	deliveryRepo := pgStorage.NewDeliveryRepo(pool)
	deadLetterRepo := pgStorage.NewDeadLetterRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	deliverySvc := service.NewDeliveryService(deliveryRepo, eventRepo, subRepo, deadLetterRepo, transactor, log)
	deadLetterSvc := service.NewDeadLetterService(deadLetterRepo, transactor, log)

	dispatcher := service.NewHTTPDispatcher(
		&http.Client{},
		service.NewHMACSignatureService(),
		service.NewBackoffPolicy(cfg.Worker.MaxBackoff),
		cfg.Worker.HTTPTimeout,
		cfg.Worker.ResponseBodyLimit,
		log,
	)
	worker := service.NewWorker(deliverySvc, dispatcher, service.WorkerConfig{
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
		LeaseTimeout: cfg.Sweeper.StuckAfter,
	}, log)
	sweeper := service.NewSweeper(deliverySvc, deadLetterSvc, sweepLock, service.SweeperConfig{
		Interval:            cfg.Sweeper.Interval,
		StuckAfter:          cfg.Sweeper.StuckAfter,
		DeadLetterRetention: cfg.Sweeper.DeadLetterRetention,
		LockTTL:             cfg.Sweeper.LockTTL,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Worker exited")
}
