package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"facturx-relay/internal/api"
	"facturx-relay/internal/app"
	"facturx-relay/internal/audit"
	"facturx-relay/internal/config"
	"facturx-relay/internal/observability"
	"facturx-relay/internal/telemetry"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger := observability.SetupLogger(cfg.LogLevel, cfg.LogPretty, "relay-api")
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

	limiter, closeLimiter := app.NewLimiter(cfg, logger)
	defer func() { _ = closeLimiter() }()

	metrics := telemetry.NewPrometheus()
	server := api.New(cfg, api.Deps{
		Store:          st,
		Queue:          app.NewQueue(cfg, st, logger),
		Audit:          audit.NewRecorder(st, logger),
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("version", version).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("api stopped")
}
