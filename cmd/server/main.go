package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/orbitt/service/app"
	"github.com/brojonat/orbitt/service/config"
	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/server"
	"github.com/brojonat/orbitt/service/temporal"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required by the server")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil)

	store, pool, err := app.OpenStore(ctx, cfg.DatabaseURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Balance reads only; the server never signs.
	core := app.NewCore(cfg, metricsCollector, logger)
	logger.Info("initialized solana RPC client", "endpoint", app.EndpointLabel(cfg.SolanaRPCURL))

	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	defaults := temporal.NewRotationInput("", 0, cfg.RotationConfig(), cfg.StepsPerRun)
	httpServer := server.New(cfg.ServerAddr, store, core.Inspector, metricsCollector, logger).
		WithRotations(temporal.NewOrderRotations(temporalClient, store), defaults)

	if cfg.NATSURL != "" {
		stream, err := server.NewStepStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect step stream", "error", err)
			os.Exit(1)
		}
		httpServer.WithStream(stream)
	}

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
