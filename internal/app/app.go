// Package app builds the relay's runtime dependencies from config. The API,
// the worker and relayctl share it so every binary wires the same stack.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"facturx-relay/internal/audit"
	"facturx-relay/internal/config"
	"facturx-relay/internal/crm"
	"facturx-relay/internal/facturx"
	"facturx-relay/internal/pdp"
	"facturx-relay/internal/queue"
	"facturx-relay/internal/ratelimit"
	"facturx-relay/internal/secrets"
	"facturx-relay/internal/storage"
	"facturx-relay/internal/store"
	"facturx-relay/internal/telemetry"
	"facturx-relay/internal/worker"
)

const (
	dbReadyAttempts = 30
	dbReadyDelay    = time.Second
)

// Connect opens the database, waits until it answers and optionally applies
// the embedded migrations.
func Connect(ctx context.Context, cfg config.Config, logger zerolog.Logger, migrate bool) (*store.Store, error) {
	st, err := store.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.WaitReady(ctx, dbReadyAttempts, dbReadyDelay); err != nil {
		st.Close()
		return nil, err
	}
	if migrate {
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	return st, nil
}

// NewQueue builds the Postgres job queue over st's pool.
func NewQueue(cfg config.Config, st *store.Store, logger zerolog.Logger) *queue.Queue {
	return queue.New(st.Pool(), queue.Options{MaxAttempts: cfg.MaxAttempts, BackoffMax: cfg.BackoffMax}, logger)
}

// NewLimiter returns the webhook limiter: a Redis token bucket backed by an
// in-process limiter when REDIS_ADDR is set, the in-process limiter alone
// otherwise. The returned func closes the Redis client.
func NewLimiter(cfg config.Config, logger zerolog.Logger) (ratelimit.Limiter, func() error) {
	local := ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	if cfg.RedisAddr == "" {
		logger.Info().Msg("REDIS_ADDR not set, using in-process rate limiter")
		return local, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bucket := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	return ratelimit.NewFallback(bucket, local, logger), client.Close
}

// NewCipher builds the tenant secret cipher from TENANT_SECRET_KEY.
func NewCipher(cfg config.Config, logger zerolog.Logger) (*secrets.Cipher, error) {
	c, err := secrets.NewCipher(cfg.TenantSecretKey, logger)
	if err != nil {
		return nil, fmt.Errorf("tenant secret key: %w", err)
	}
	return c, nil
}

// NewCRM picks the CRM client for GHL_MODE.
func NewCRM(cfg config.Config) crm.Client {
	if cfg.GHLMode == "http" {
		return crm.NewHTTPClient(cfg.GHLBaseURL, cfg.HTTPClientTimeout)
	}
	return crm.NewMock()
}

// NewPipeline wires the stage handlers.
func NewPipeline(ctx context.Context, cfg config.Config, st *store.Store, q worker.JobQueue, metrics telemetry.Sink, logger zerolog.Logger) (*worker.Pipeline, error) {
	cipher, err := NewCipher(cfg, logger)
	if err != nil {
		return nil, err
	}
	pdpClient, err := pdp.New(cfg)
	if err != nil {
		return nil, err
	}
	objects, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("artifact storage: %w", err)
	}
	renderer := facturx.NewRenderer(facturx.NewLogoLoader(cfg.HTTPClientTimeout, cfg.LogoMaxBytes), logger)

	return worker.NewPipeline(worker.PipelineConfigFrom(cfg), worker.Deps{
		Queue:    q,
		Store:    st,
		Secrets:  secrets.NewResolver(st, cipher),
		Audit:    audit.NewRecorder(st, logger),
		CRM:      NewCRM(cfg),
		PDP:      pdpClient,
		Storage:  objects,
		Renderer: renderer,
		Metrics:  metrics,
		Logger:   logger,
	}), nil
}

// WorkerID returns WORKER_ID, the hostname, or worker-<pid>.
func WorkerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
