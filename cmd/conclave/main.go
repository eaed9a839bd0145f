package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/conclave-ai/conclave/internal/auth"
	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/engine"
	"github.com/conclave-ai/conclave/internal/execution"
	"github.com/conclave-ai/conclave/internal/mcp"
	"github.com/conclave-ai/conclave/internal/messaging"
	"github.com/conclave-ai/conclave/internal/ratelimit"
	"github.com/conclave-ai/conclave/internal/reputation"
	"github.com/conclave-ai/conclave/internal/server"
	"github.com/conclave-ai/conclave/internal/storage"
	"github.com/conclave-ai/conclave/internal/telemetry"
	"github.com/conclave-ai/conclave/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("conclave starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply embedded migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Create SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger, cfg.EventBufferSize)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Engine events flow through Postgres NOTIFY so every replica's SSE
	// subscribers see them, with a local-broker fallback.
	events := server.NewNotifySink(db, broker, logger)

	// Vote requests are delivered to each agent's registered webhook
	// endpoint; agents without one are polled via the API or MCP.
	messenger := messaging.NewWebhook(db, nil, logger)

	// Approved decisions are dispatched to the executor webhook if one is
	// configured; otherwise execution completes as a no-op.
	var executor engine.Executor = execution.Noop{}
	if cfg.ExecutorURL != "" {
		executor = execution.NewWebhook(cfg.ExecutorURL, nil, logger)
		logger.Info("executor: webhook", "url", cfg.ExecutorURL)
	} else {
		logger.Info("executor: noop (no CONCLAVE_EXECUTOR_URL)")
	}

	// Create the reputation ledger and decision registry, then reload
	// unresolved decisions and reputation state from storage.
	ledger := reputation.NewLedger(logger)
	registry := engine.New(db, messenger, executor, events, ledger, logger, engine.Options{
		CriticalTimeout:  cfg.CriticalTimeout,
		HighTimeout:      cfg.HighTimeout,
		DefaultTimeout:   cfg.DefaultTimeout,
		ExecutionTimeout: cfg.ExecutionTimeout,
	})
	if err := registry.Recover(ctx); err != nil {
		return fmt.Errorf("engine recover: %w", err)
	}

	// Background workers: timeout sweeper and reputation decay.
	sweeper := engine.NewSweeper(registry, logger, cfg.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	decayer := reputation.NewDecayer(ledger, db, logger, cfg.DecayInterval, cfg.DecayFactor)
	decayer.Start(ctx)
	defer decayer.Stop()

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create MCP server (mounted at /mcp).
	mcpSrv := mcp.New(registry, db)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Registry:            registry,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed admin agent.
	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if broker != nil {
		g.Go(func() error {
			broker.Start(gctx)
			return nil
		})
	}

	// Shut down the HTTP listener when the signal context or any worker
	// errors out. In-flight requests get a bounded drain window; the
	// deferred sweeper/decayer Stops run after the listener is closed.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("conclave stopped")
	return nil
}
