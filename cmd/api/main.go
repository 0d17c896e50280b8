package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webhook-delivery-engine/config"
	httpHandler "webhook-delivery-engine/internal/adapter/http/handler"
	memStorage "webhook-delivery-engine/internal/adapter/storage/memory"
	pgStorage "webhook-delivery-engine/internal/adapter/storage/postgres"
	redisStorage "webhook-delivery-engine/internal/adapter/storage/redis"
	"webhook-delivery-engine/internal/core/ports"
	"webhook-delivery-engine/internal/service"
	"webhook-delivery-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// repositories is the storage wiring shared by every service.
type repositories struct {
	events      ports.EventRepository
	subs        ports.SubscriptionRepository
	deliveries  ports.DeliveryRepository
	deadLetters ports.DeadLetterRepository
	transactor  ports.DBTransactor
	health      []ports.HealthChecker
	close       func()
}

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("api", cfg.Log.Level, cfg.Log.Pretty)
	gin.SetMode(cfg.Server.Mode)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Str("storage", cfg.Storage.Driver).
		Int("port", cfg.Server.Port).
		Msg("Starting Webhook Delivery Engine API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, err := openRepositories(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("Failed to open storage")
	}
	defer repos.close()

	// Redis is optional: without it there is no rate limiting, no idempotency
	// fast path and no sweep lock.
	var (
		idempCache     ports.IdempotencyCache
		sweepLock      ports.SweepLock
		rateLimitStore *redisStorage.RateLimitStore
		healthCheckers = repos.health
	)
	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")

		idempCache = redisStorage.NewIdempotencyCache(rdb, "events")
		sweepLock = redisStorage.NewSweepLock(rdb)
		rateLimitStore = redisStorage.NewRateLimitStore(rdb)
		healthCheckers = append(healthCheckers, redisStorage.NewHealthCheck(rdb))
	}

	// Initialize services
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	eventSvc := service.NewEventService(repos.events, repos.subs, repos.deliveries, idempCache, repos.transactor, log)
	deliverySvc := service.NewDeliveryService(repos.deliveries, repos.events, repos.subs, repos.deadLetters, repos.transactor, log)
	deadLetterSvc := service.NewDeadLetterService(repos.deadLetters, repos.transactor, log)

	// Load OpenAPI spec for Swagger UI
	if specBytes, err := os.ReadFile("docs/api/openapi.yaml"); err == nil {
		httpHandler.SetSwaggerSpec(specBytes)
		log.Info().Msg("OpenAPI spec loaded for Swagger UI at /swagger")
	} else {
		log.Warn().Err(err).Msg("OpenAPI spec not found, Swagger UI will be unavailable")
	}

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		EventSvc:       eventSvc,
		DeliverySvc:    deliverySvc,
		DeadLetterSvc:  deadLetterSvc,
		TokenSvc:       tokenSvc,
		RateLimitStore: rateLimitStore,
		HealthCheckers: healthCheckers,
		Logger:         log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// The memory driver cannot be shared with a separate worker process, so
	// the API runs the delivery loop itself.
	if cfg.Storage.Driver == config.DriverMemory {
		worker, sweeper := newBackgroundLoops(cfg, deliverySvc, deadLetterSvc, sweepLock, log)
		g.Go(func() error { return worker.Run(gctx) })
		g.Go(func() error { return sweeper.Run(gctx) })
		log.Info().Msg("In-process delivery worker started")
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server stopped with error")
	}

	log.Info().Msg("Server exited")
}

// openRepositories wires the configured storage driver.
func openRepositories(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*repositories, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		store := memStorage.NewStore()
		subRepo := memStorage.NewSubscriptionRepo(store)
		if cfg.Storage.SeedFile != "" {
			subs, err := memStorage.LoadSubscriptions(cfg.Storage.SeedFile)
			if err != nil {
				return nil, err
			}
			for i := range subs {
				if err := subRepo.Add(ctx, &subs[i]); err != nil {
					return nil, fmt.Errorf("seeding subscription %q: %w", subs[i].Name, err)
				}
			}
			log.Info().Int("subscriptions", len(subs)).Str("file", cfg.Storage.SeedFile).Msg("Memory store seeded")
		}
		return &repositories{
			events:      memStorage.NewEventRepo(store),
			subs:        subRepo,
			deliveries:  memStorage.NewDeliveryRepo(store),
			deadLetters: memStorage.NewDeadLetterRepo(store),
			transactor:  memStorage.NewTransactor(store),
			close:       func() {},
		}, nil

	default:
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := pgStorage.Migrate(ctx, pool, log); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &repositories{
			events:      pgStorage.NewEventRepo(pool),
			subs:        pgStorage.NewSubscriptionRepo(pool),
			deliveries:  pgStorage.NewDeliveryRepo(pool),
			deadLetters: pgStorage.NewDeadLetterRepo(pool),
			transactor:  pgStorage.NewTransactor(pool),
			health:      []ports.HealthChecker{pgStorage.NewHealthCheck(pool)},
			close:       pool.Close,
		}, nil
	}
}

func newBackgroundLoops(
	cfg *config.Config,
	deliverySvc ports.DeliveryService,
	deadLetterSvc ports.DeadLetterService,
	sweepLock ports.SweepLock,
	log zerolog.Logger,
) (*service.Worker, *service.Sweeper) {
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
	return worker, sweeper
}
