// Practicase orchestrator server — drives collaborative practice sessions
// through their timed phases and fans state changes out to subscribed
// clients.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/practicase/practicase/pkg/api"
	"github.com/practicase/practicase/pkg/config"
	"github.com/practicase/practicase/pkg/database"
	"github.com/practicase/practicase/pkg/events"
	"github.com/practicase/practicase/pkg/orchestrator"
	"github.com/practicase/practicase/pkg/scheduler"
	"github.com/practicase/practicase/pkg/store"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting practicase", "http_port", cfg.HTTPPort)

	ctx := context.Background()

	// Repositories: Postgres by default, in-memory for local experiments.
	var (
		st       *store.Store
		dbClient *database.Client
	)
	if os.Getenv("STORE") == "memory" {
		st = store.NewMemory()
		slog.Warn("Using in-memory store, nothing will survive a restart")
	} else {
		dbClient, err = database.NewClient(ctx, database.ConfigFromEnv())
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		st = store.NewPostgres(dbClient.Pool())
		slog.Info("Connected to PostgreSQL database")
	}

	// Topic bus and WebSocket fan-out.
	bus := events.NewBus(cfg.SubscriberQueueSize)
	connManager := events.NewConnectionManager(bus, cfg.WSWriteTimeout)

	// Timer scheduling runs on its own worker pool, separate from the
	// HTTP handler goroutines.
	sched := scheduler.NewPool(cfg.SchedulerWorkers)

	orch := orchestrator.New(st, bus, sched, cfg)
	connManager.SetActivityReporter(orch)

	// Re-arm phase timers of sessions persisted as live.
	if err := orch.Recover(ctx); err != nil {
		slog.Error("Failed to recover live sessions", "error", err)
		os.Exit(1)
	}

	httpServer := api.NewServer(dbClient, orch, connManager)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop accepting requests, then cancel timers and
	// close subscriptions. Sessions stay persisted and recover on restart.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	orch.Shutdown()
	sched.Stop()
	bus.Shutdown()

	slog.Info("Shutdown complete")
}
