package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"facturx-relay/internal/app"
	"facturx-relay/internal/config"
	"facturx-relay/internal/observability"
	"facturx-relay/internal/telemetry"
	"facturx-relay/internal/worker"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger := observability.SetupLogger(cfg.LogLevel, cfg.LogPretty, "relay-worker")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := app.Connect(ctx, cfg, logger, true)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer st.Close()

	metrics := telemetry.NewPrometheus()
	q := app.NewQueue(cfg, st, logger)
	pipeline, err := app.NewPipeline(ctx, cfg, st, q, metrics, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline")
	}

	workerID := app.WorkerID(cfg)
	processor := worker.NewProcessor(worker.ProcessorConfig{
		WorkerID:     workerID,
		PollInterval: cfg.WorkerPollInterval,
		Concurrency:  cfg.WorkerConcurrency,
		LeaseTimeout: cfg.LeaseTimeout,
	}, q, pipeline, metrics, logger)
	reconciler := worker.NewReconciler(q, cfg.ReconcileInterval, cfg.ReconcileBatch, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("worker_id", workerID).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("lease_timeout", cfg.LeaseTimeout).
		Dur("reconcile_interval", cfg.ReconcileInterval).
		Str("version", version).
		Msg("worker started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("reconciler stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("processor stopped")
		}
	}()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info().Msg("worker stopped")
}
