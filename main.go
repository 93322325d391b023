// Package main runs the API and the workers in one process, sharing the job
// store, the queue and the in-process event hub.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
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

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	logger.Info("starting transcode API with embedded workers", slog.String("config", cfg.String()))

	shutdownTracing, err := tracing.Init(ctx, cfg.TracingEndpoint, "mxf-transcode")
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

	metricsSrv := metrics.StartServer(cfg.MetricsPort, logger)
	defer func() { _ = metricsSrv.Shutdown(context.WithoutCancel(ctx)) }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		deps.RunRelay(ctx)
	}()
	go func() {
		defer wg.Done()
		deps.NewWorker().RunPool(ctx, cfg.WorkerCount)
	}()

	srv := server.NewHTTPServer(cfg.Port, deps.NewAPIHandler())
	err = server.Serve(ctx, srv, logger)
	// A listener failure must also stop the workers.
	stop()
	wg.Wait()
	return err
}
