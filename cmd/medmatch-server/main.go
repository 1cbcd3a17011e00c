package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/genhospi/medmatch/internal/config"
	"github.com/genhospi/medmatch/internal/domain/batch"
	"github.com/genhospi/medmatch/internal/domain/catalog"
	"github.com/genhospi/medmatch/internal/domain/matching"
	"github.com/genhospi/medmatch/internal/domain/pricing"
	"github.com/genhospi/medmatch/internal/domain/staging"
	"github.com/genhospi/medmatch/internal/platform/db"
	"github.com/genhospi/medmatch/internal/platform/middleware"
	"github.com/genhospi/medmatch/internal/platform/similarity"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medmatch-server",
		Short: "Medication matching and homologation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Catalog index over the embedding oracle
	oracle := similarity.NewHTTPOracle(cfg.OracleURL, cfg.OracleRequestTimeout())
	limiter := rate.NewLimiter(rate.Limit(cfg.OracleRPS), cfg.OracleBurst)
	catalogRepo := catalog.NewRepoPG(pool)
	index := catalog.NewIndex(catalogRepo, oracle, limiter, logger)
	if err := index.Reload(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to build vector index")
	}

	// Matcher
	synonymRepo := catalog.NewSynonymRepoPG(pool)
	matcher, err := matching.NewMatcher(index, synonymRepo, matching.Thresholds{
		Auto:      cfg.MatchAutoThreshold,
		Review:    cfg.MatchReviewThreshold,
		MinMargin: cfg.MatchMinMargin,
	}, cfg.MatchTopK)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid matcher thresholds")
	}

	// Pricing and staging
	priceRepo := pricing.NewRepoPG(pool)
	providerRepo := pricing.NewProviderRepoPG(pool)
	selector := pricing.NewSelector(priceRepo, catalogRepo)
	stagingRepo := staging.NewRepoPG(pool)
	inTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
	stagingSvc := staging.NewService(stagingRepo, synonymRepo, priceRepo, inTx, logger)

	// Batch coordinator
	coordinator := batch.NewCoordinator(batch.NewRepoPG(pool), matcher, stagingSvc, selector,
		batch.Options{
			Workers:    cfg.BatchWorkers,
			MaxRetries: cfg.LookupMaxRetries,
			RetryBase:  cfg.LookupRetryBase(),
		}, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	// Health check
	e.GET("/health", db.HealthHandler(pool))

	// API routes
	apiV1 := e.Group("/api/v1")
	catalog.NewHandler(index).RegisterRoutes(apiV1)
	pricing.NewHandler(selector, providerRepo).RegisterRoutes(apiV1)
	staging.NewHandler(stagingSvc).RegisterRoutes(apiV1)
	batch.NewHandler(coordinator).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
