package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"webhook-delivery-engine/config"
	pgStorage "webhook-delivery-engine/internal/adapter/storage/postgres"
	"webhook-delivery-engine/internal/service"
	"webhook-delivery-engine/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "wdectl",
	Short: "Operator CLI for the webhook delivery engine",
	Long: `wdectl talks to the engine's PostgreSQL database directly.
It issues API tokens, shows queue depth, recovers stuck deliveries and
inspects or purges the dead-letter archive.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")

	rootCmd.AddCommand(tokenCmd(), statsCmd(), sweepCmd(), deadLettersCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every database-backed command needs.
type env struct {
	cfg  *config.Config
	log  zerolog.Logger
	pool *pgxpool.Pool
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New("wdectl", cfg.Log.Level, true)
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, pool: pool}, nil
}

func (e *env) deliveryService() *service.DeliveryServiceImpl {
	return service.NewDeliveryService(
		pgStorage.NewDeliveryRepo(e.pool),
		pgStorage.NewEventRepo(e.pool),
		pgStorage.NewSubscriptionRepo(e.pool),
		pgStorage.NewDeadLetterRepo(e.pool),
		pgStorage.NewTransactor(e.pool),
		e.log,
	)
}

func (e *env) deadLetterService() *service.DeadLetterServiceImpl {
	return service.NewDeadLetterService(pgStorage.NewDeadLetterRepo(e.pool), pgStorage.NewTransactor(e.pool), e.log)
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is not configured")
			}
			tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
			token, expiresAt, err := tokenSvc.Generate(subject)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"token": token, "subject": subject, "expires_at": expiresAt})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (producer or worker name)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery counts by status, open circuits and dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			deliveries := e.deliveryService()
			counts, err := deliveries.QueueDepth(ctx)
			if err != nil {
				return err
			}
			circuits, err := deliveries.ListOpenCircuits(ctx)
			if err != nil {
				return err
			}
			deadLetters, err := e.deadLetterService().Count(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"deliveries":    counts,
					"open_circuits": circuits,
					"dead_letters":  deadLetters,
				})
			}
			renderStatusCounts(os.Stdout, counts)
			if len(circuits) > 0 {
				renderOpenCircuits(os.Stdout, circuits)
			}
			fmt.Printf("dead letters: %d\n", deadLetters)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return deliveries stuck in delivering to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			if olderThan <= 0 {
				olderThan = e.cfg.Sweeper.StuckAfter
			}
			n, err := e.deliveryService().SweepStuck(ctx, olderThan)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"recovered": n})
			}
			fmt.Printf("recovered %d deliveries\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "stuck threshold (default: sweeper.stuck_after)")
	return cmd
}

func deadLettersCmd() *cobra.Command {
	dl := &cobra.Command{Use: "dead-letters", Short: "Inspect the dead-letter archive"}
	dl.AddCommand(deadLettersListCmd(), deadLettersShowCmd(), deadLettersPurgeCmd())
	return dl
}

func deadLettersListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			entries, err := e.deadLetterService().ListRecent(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			renderDeadLetters(os.Stdout, entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func deadLettersShowCmd() *cobra.Command {
	var dispatchID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the dead letter for one delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			entry, err := e.deadLetterService().FindByDispatchID(ctx, dispatchID)
			if err != nil {
				return err
			}
			return printJSON(entry)
		},
	}
	cmd.Flags().Int64Var(&dispatchID, "dispatch-id", 0, "delivery id")
	_ = cmd.MarkFlagRequired("dispatch-id")
	return cmd
}

func deadLettersPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters that failed before now minus --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			if olderThan <= 0 {
				olderThan = e.cfg.Sweeper.DeadLetterRetention
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than is required when sweeper.dead_letter_retention is 0")
			}
			n, err := e.deadLetterService().PurgeOlderThan(ctx, time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"purged": n})
			}
			fmt.Printf("purged %d dead letters\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention (default: sweeper.dead_letter_retention)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()
			return pgStorage.Migrate(ctx, e.pool, e.log)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
