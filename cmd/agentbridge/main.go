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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	abhttp "github.com/Strob0t/AgentBridge/internal/adapter/http"
	abnats "github.com/Strob0t/AgentBridge/internal/adapter/nats"
	"github.com/Strob0t/AgentBridge/internal/adapter/otel"
	"github.com/Strob0t/AgentBridge/internal/adapter/postgres"
	"github.com/Strob0t/AgentBridge/internal/adapter/ristretto"
	"github.com/Strob0t/AgentBridge/internal/adapter/ws"
	"github.com/Strob0t/AgentBridge/internal/config"
	"github.com/Strob0t/AgentBridge/internal/logger"
	"github.com/Strob0t/AgentBridge/internal/port/agentbackend"
	"github.com/Strob0t/AgentBridge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLog.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"backend", cfg.Runtime.Backend,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	shutdownTelemetry, err := otel.Init(ctx, cfg.Logging.Service, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := abnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Error("nats drain", "error", err)
		}
		_ = queue.Close()
	}()

	snapshots, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// --- Services ---
	backend, err := agentbackend.New(cfg.Runtime.Backend, nil)
	if err != nil {
		return fmt.Errorf("backend %q: %w (available: %v)",
			cfg.Runtime.Backend, err, agentbackend.Available())
	}

	hub := ws.NewHub()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	sessions := service.NewSessionService(cfg.Runtime, backend)
	sessions.SetRunStore(postgres.NewRunStore(pool))
	sessions.SetEventStore(postgres.NewEventStore(pool))
	sessions.SetQueue(queue)
	sessions.SetBroadcaster(hub)
	sessions.SetCache(snapshots, cfg.Cache.SnapshotTTL)
	sessions.SetMetrics(metrics)

	// --- HTTP ---
	handlers := abhttp.NewHandlers(sessions, cfg.Runtime)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(abhttp.RequestID)
	r.Use(abhttp.Logger)
	r.Use(abhttp.SecurityHeaders)
	r.Use(abhttp.CORS(cfg.Server.CORSOrigin))
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	abhttp.MountRoutes(r, handlers, hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: run streams stay open through suspensions.
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
