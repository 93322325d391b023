// Package main provides the entry point for the transcode worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/mxf-transcode-api/internal/bootstrap"
	"github.com/maauso/mxf-transcode-api/internal/config"
	"github.com/maauso/mxf-transcode-api/internal/metrics"
	"github.com/maauso/mxf-transcode-api/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateSplit(); err != nil {
		return err
	}

	logger := cfg.NewLogger().With(slog.String("process", "worker"))
	slog.SetDefault(logger)
	logger.Info("starting transcode worker", slog.String("config", cfg.String()))

	shutdownTracing, err := tracing.Init(ctx, cfg.TracingEndpoint, "mxf-transcode-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("failed to close dependencies", slog.String("error", err.Error()))
		}
	}()

	if deps.Relay == nil {
		logger.Warn("EVENTS_BACKEND=local: progress events will not reach API subscribers")
	}

	metricsSrv := metrics.StartServer(cfg.MetricsPort, logger)

	// Blocks until the signal; in-flight jobs see the cancellation and leave
	// their messages for redelivery.
	deps.NewWorker().RunPool(ctx, cfg.WorkerCount)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("worker stopped gracefully")
	return nil
}
