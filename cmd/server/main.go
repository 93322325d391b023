// Package main provides the entry point for the transcode API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maauso/mxf-transcode-api/internal/bootstrap"
	"github.com/maauso/mxf-transcode-api/internal/config"
	"github.com/maauso/mxf-transcode-api/internal/metrics"
	"github.com/maauso/mxf-transcode-api/internal/server"
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

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateSplit(); err != nil {
		return err
	}

	// Create structured logger
	logger := cfg.NewLogger().With(slog.String("process", "api"))
	slog.SetDefault(logger)
	logger.Info("starting transcode API", slog.String("config", cfg.String()))

	shutdownTracing, err := tracing.Init(ctx, cfg.TracingEndpoint, "mxf-transcode-api")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()

	// Initialize dependencies using bootstrap
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
		logger.Warn("EVENTS_BACKEND=local: event streams only see events published by this process")
	}
	go deps.RunRelay(ctx)

	metricsSrv := metrics.StartServer(cfg.MetricsPort, logger)
	defer func() { _ = metricsSrv.Shutdown(context.WithoutCancel(ctx)) }()

	srv := server.NewHTTPServer(cfg.Port, deps.NewAPIHandler())
	return server.Serve(ctx, srv, logger)
}
