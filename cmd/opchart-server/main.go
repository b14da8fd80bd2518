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

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opchart/opchart/internal/config"
	"github.com/opchart/opchart/internal/domain/inventory"
	"github.com/opchart/opchart/internal/domain/record"
	"github.com/opchart/opchart/internal/domain/snapshot"
	"github.com/opchart/opchart/internal/platform/auth"
	"github.com/opchart/opchart/internal/platform/bus"
	"github.com/opchart/opchart/internal/platform/db"
	"github.com/opchart/opchart/internal/platform/devicefeed"
	"github.com/opchart/opchart/internal/platform/middleware"
	"github.com/opchart/opchart/internal/platform/reclock"
	"github.com/opchart/opchart/internal/platform/telemetry"
)

// recordGateAdapter adapts the record lifecycle service to the snapshot
// store's gate interface, translating sentinel errors between the packages
// so neither imports the other.
type recordGateAdapter struct {
	svc *record.Service
}

func (a *recordGateAdapter) EnsureMutable(ctx context.Context, recordID uuid.UUID) error {
	err := a.svc.EnsureMutable(ctx, recordID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, record.ErrRecordNotFound):
		return snapshot.ErrRecordNotFound
	case errors.Is(err, record.ErrRecordImmutable), errors.Is(err, record.ErrRecordLocked):
		return snapshot.ErrRecordImmutable
	default:
		return err
	}
}

func (a *recordGateAdapter) RecordLock(recordID uuid.UUID) func() {
	return a.svc.RecordLock(recordID)
}

// recordDirAdapter answers record existence for the inventory ledger.
type recordDirAdapter struct {
	svc *record.Service
}

func (a *recordDirAdapter) Exists(ctx context.Context, recordID uuid.UUID) (bool, error) {
	_, err := a.svc.Get(ctx, recordID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, record.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "opchart-server",
		Short: "Intra-procedural clinical documentation server",
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
		Short: "Start the documentation API server",
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
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
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
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
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
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

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
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Change bus
	hub := bus.NewHub(logger)
	if cfg.RedisURL != "" {
		bridge, err := bus.NewRedisBridge(cfg.RedisURL, hub, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		hub.AddRelay(bridge)
		bridge.Start()
		defer bridge.Stop()
		logger.Info().Msg("redis event bridge started")
	}

	metrics := telemetry.New(hub.ClientCount)
	hub.SetMetrics(metrics)
	locks := reclock.NewRegistry()

	// Domain services
	recordSvc := record.NewService(record.NewRepoPG(pool), record.NewProcedureDirPG(pool),
		locks, hub, logger, cfg.TerminalMarkerCode)
	snapshotSvc := snapshot.NewService(snapshot.NewRepoPG(pool),
		&recordGateAdapter{svc: recordSvc}, hub, metrics, logger)
	inventoryTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
	inventorySvc := inventory.NewService(inventory.NewRepoPG(pool), inventoryTx, snapshotSvc,
		&recordDirAdapter{svc: recordSvc}, inventory.DefaultCatalog(),
		locks, hub, metrics, logger)

	// Device feed (optional, started when MQTT_BROKER is set)
	if cfg.MQTTBroker != "" {
		feed, err := devicefeed.Connect(devicefeed.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, snapshotSvc, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start device feed")
		}
		defer feed.Close()
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Session-ID"},
	}))

	// Health and metrics
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/healthz/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	// Subscription endpoint; session identity is carried in the query, the
	// socket only ever pushes refresh hints outward.
	bus.NewWSHandler(hub).RegisterRoutes(e.Group(""))

	// Authenticated API
	apiV1 := e.Group("/api/v1", auth.Middleware(auth.Config{
		Mode:     cfg.ResolvedAuthMode(),
		Secret:   []byte(cfg.AuthSigningSecret),
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	}))

	record.NewHandler(recordSvc).RegisterRoutes(apiV1)
	snapshot.NewHandler(snapshotSvc).RegisterRoutes(apiV1)
	inventory.NewHandler(inventorySvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
