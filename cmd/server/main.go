package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hotspot-billing/hotspot-billing/internal/api"
	"github.com/hotspot-billing/hotspot-billing/internal/app"
	"github.com/hotspot-billing/hotspot-billing/internal/config"
	"github.com/hotspot-billing/hotspot-billing/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting hotspot billing server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()
	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize API server (not ready yet)
	server := api.New(engine.Sessions, engine.Plans, engine.Commands, engine.Activation, engine.Monitor,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithDatabase(engine.DB))

	// Start background services
	if err := engine.Scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", slog.String("error", err.Error()))
		engine.Close()
		os.Exit(1)
	}

	server.SetReady(true)

	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Stop accepting new sessions and payments
		server.SetReady(false)

		// Let an in-flight cycle finish before closing the database
		engine.Scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		engine.Scheduler.Stop()
		engine.Close()
		os.Exit(1)
	}

	<-done
	if err := engine.Close(); err != nil {
		logger.Error("failed to close engine", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}
