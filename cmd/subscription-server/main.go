package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirsub/internal/config"
	"github.com/ehr/fhirsub/internal/domain/subscription"
	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/db"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/messaging"
	"github.com/ehr/fhirsub/internal/platform/metrics"
	"github.com/ehr/fhirsub/internal/platform/middleware"
	"github.com/ehr/fhirsub/internal/platform/notification"
	"github.com/ehr/fhirsub/internal/platform/websocket"
	"github.com/ehr/fhirsub/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "subscription-server",
		Short: "FHIR Subscription matching and notification server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the subscription API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, _ := cmd.Flags().GetBool("memory")
			return runServer(memory)
		},
	}
	cmd.Flags().Bool("memory", false, "Keep subscriptions in memory instead of Postgres")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(cfg.Level()).With().Timestamp().Logger()
}

// app holds the long-running parts of the server that need shutting down.
type app struct {
	echo   *echo.Echo
	engine *subscription.Engine
	svc    *subscription.Service
	closer []func() error
}

// buildApp wires every component. pinger is nil in memory mode.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, repo subscription.Repository, pinger db.Pinger) (*app, error) {
	m := metrics.Get()
	a := &app{}

	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	templates := notification.NewTemplateEngine()
	sender := notification.NewLogSender(logger.With().Str("component", "notify").Logger())
	restHook := subscription.NewRestHookChannel(&http.Client{Timeout: cfg.NotifyTimeout})

	var publisher messaging.Publisher
	if cfg.RedisURL != "" {
		rp, err := messaging.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		publisher = rp
		a.closer = append(a.closer, rp.Close)
		logger.Info().Msg("message channel publishing to redis")
	}

	tracker := subscription.NewTracker(repo, logger, m)
	dispatcher := subscription.NewDispatcher(tracker, logger, m,
		restHook,
		subscription.NewWebSocketChannel(hub),
		subscription.NewEmailChannel(sender, templates),
		subscription.NewSMSChannel(sender, templates),
		subscription.NewMessageChannel(publisher, logger),
	)
	matcher := subscription.NewMatcher(repo, logger)
	a.engine = subscription.NewEngine(matcher, dispatcher, logger, m)
	a.svc = subscription.NewService(repo, restHook, logger, m)
	a.svc.SetEndpointPolicy(cfg.AllowPrivateHooks, cfg.RequireHTTPSHooks)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	apiV1 := e.Group("/api/v1", authMW)
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	fhirGroup := e.Group("/fhir", authMW)

	subscription.NewHandler(a.svc, a.engine).RegisterRoutes(apiV1, fhirGroup)
	websocket.NewHandler(hub).RegisterRoutes(e.Group(""), authMW,
		auth.RequireRole("subscription-reader", "subscription-writer"))

	capBuilder := fhir.NewCapabilityBuilder(fmt.Sprintf("http://localhost:%s/fhir", cfg.Port), version)
	subscription.DescribeCapabilities(capBuilder, dispatcher)
	e.GET("/fhir/metadata", capBuilder.MetadataHandler)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"version":    version,
			"ws_clients": hub.ClientCount(),
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	a.echo = e
	return a, nil
}

func runServer(memory bool) error {
	cfg, err := config.Load(!memory)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a bearer token run as admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo   subscription.Repository
		pinger db.Pinger
	)
	if memory {
		repo = subscription.NewMemoryRepository()
		logger.Warn().Msg("using in-memory subscription store")
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		repo = subscription.NewSubscriptionRepoPG(pool)
		pinger = pool
	}

	a, err := buildApp(ctx, cfg, logger, repo, pinger)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range a.closer {
			if err := closeFn(); err != nil {
				logger.Warn().Err(err).Msg("close failed")
			}
		}
	}()

	go a.svc.RunExpirySweep(ctx, cfg.ExpirySweepInterval)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.engine.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
