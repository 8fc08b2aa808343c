// Package worker runs the invoice pipeline: it claims jobs from the queue,
// dispatches them to one handler per job type, and settles the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"facturx-relay/internal/models"
	"facturx-relay/internal/queue"
	"facturx-relay/internal/telemetry"
)

// JobQueue is the queue surface the worker needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, opts queue.EnqueueOptions) (queue.EnqueueResult, error)
	ReserveNext(ctx context.Context, workerID string) (*models.Job, error)
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, message string) (bool, error)
	RequeueStale(ctx context.Context, leaseTimeout time.Duration) (int, error)
	Stats(ctx context.Context) (map[models.JobStatus]int64, error)
}

// Handlers has one method per job type. The compiler does not check the
// Dispatch switch for completeness; TestDispatchCoversEveryJobType runs
// every entry of models.JobTypes through it, so a new type without a case
// fails that test.
type Handlers interface {
	FetchInvoice(ctx context.Context, job models.Job) error
	MapCanonical(ctx context.Context, job models.Job) error
	GenerateFacturX(ctx context.Context, job models.Job) error
	SubmitPDP(ctx context.Context, job models.Job) error
	SyncStatus(ctx context.Context, job models.Job) error
	ReconcilePDP(ctx context.Context, job models.Job) error
}

// Dispatch routes job to the handler for its type.
func Dispatch(ctx context.Context, h Handlers, job models.Job) error {
	switch job.Type {
	case models.JobFetchInvoice:
		return h.FetchInvoice(ctx, job)
	case models.JobMapCanonical:
		return h.MapCanonical(ctx, job)
	case models.JobGenerateFacturX:
		return h.GenerateFacturX(ctx, job)
	case models.JobSubmitPDP:
		return h.SubmitPDP(ctx, job)
	case models.JobSyncStatus:
		return h.SyncStatus(ctx, job)
	case models.JobReconcilePDP:
		return h.ReconcilePDP(ctx, job)
	default:
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
}

// ProcessorConfig tunes the worker loop.
type ProcessorConfig struct {
	WorkerID     string
	PollInterval time.Duration
	Concurrency  int
	// LeaseTimeout reclaims running jobs locked longer than this; 0 disables.
	LeaseTimeout time.Duration
	// MaintenanceInterval spaces lease reclaim and queue gauge refreshes.
	MaintenanceInterval time.Duration
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      ProcessorConfig
	queue    JobQueue
	handlers Handlers
	metrics  telemetry.Recorder
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func NewProcessor(cfg ProcessorConfig, q JobQueue, h Handlers, metrics telemetry.Recorder, logger zerolog.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if metrics == nil {
		metrics = telemetry.Nop{}
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: h,
		metrics:  metrics,
		logger:   logger.With().Str("worker_id", cfg.WorkerID).Logger(),
		tracer:   otel.Tracer("facturx-relay/worker"),
	}
}

// Run starts Concurrency poll loops plus queue maintenance and blocks until
// ctx is cancelled. Jobs already claimed finish before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, fmt.Sprintf("%s-%d", p.cfg.WorkerID, slot))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	p.logger.Info().Int("concurrency", p.cfg.Concurrency).Dur("poll_interval", p.cfg.PollInterval).Msg("worker started")
	wg.Wait()
	p.logger.Info().Msg("worker stopped")
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessOnce(ctx, workerID)
		if err != nil {
			p.logger.Error().Err(err).Str("slot", workerID).Msg("poll failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce reserves at most one job, runs it and completes or fails it.
// It reports whether a job was handled.
func (p *Processor) ProcessOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.ReserveNext(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("reserve next: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// The handler keeps running through shutdown so the job settles.
	hctx := context.WithoutCancel(ctx)
	hctx, span := p.tracer.Start(hctx, "job "+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("tenant.id", job.TenantID),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	log := p.logger.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("tenant_id", job.TenantID).
		Str("correlation_id", job.CorrelationID).
		Int("attempt", job.Attempts).
		Logger()
	hctx = log.WithContext(hctx)

	labels := map[string]string{"type": string(job.Type)}
	p.metrics.AddInFlight(1)
	defer p.metrics.AddInFlight(-1)

	start := time.Now()
	herr := Dispatch(hctx, p.handlers, *job)
	if herr == nil {
		if err := p.queue.Complete(hctx, job.ID, workerID); err != nil {
			span.RecordError(err)
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn().Err(err).Msg("lease lost before completion, job belongs to another worker")
				return true, nil
			}
			return true, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		p.metrics.Increment(telemetry.JobsCompleted, labels)
		log.Info().Dur("took", time.Since(start)).Msg("job completed")
		return true, nil
	}

	span.RecordError(herr)
	span.SetStatus(codes.Error, herr.Error())
	retry, err := p.queue.Fail(hctx, job.ID, workerID, herr.Error())
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn().Err(herr).Msg("job failed after its lease was lost, leaving it to the new owner")
		return true, nil
	}
	if err != nil {
		log.Error().Err(herr).Msg("job failed")
		return true, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if retry {
		p.metrics.Increment(telemetry.JobsRetried, labels)
		log.Warn().Err(herr).Msg("job failed, retry scheduled")
	} else {
		p.metrics.Increment(telemetry.JobsFailed, labels)
		log.Error().Err(herr).Msg("job failed permanently")
	}
	return true, nil
}

func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Maintain reclaims expired leases and refreshes the queue depth gauge.
func (p *Processor) Maintain(ctx context.Context) {
	if p.cfg.LeaseTimeout > 0 {
		n, err := p.queue.RequeueStale(ctx, p.cfg.LeaseTimeout)
		if err != nil {
			p.logger.Error().Err(err).Msg("lease reclaim failed")
		}
		for i := 0; i < n; i++ {
			p.metrics.Increment(telemetry.JobsReclaimed, nil)
		}
		if n > 0 {
			p.logger.Warn().Int("reclaimed", n).Dur("lease_timeout", p.cfg.LeaseTimeout).Msg("reclaimed stale running jobs")
		}
	}

	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("queue stats failed")
		return
	}
	for _, s := range []models.JobStatus{models.StatusQueued, models.StatusRunning, models.StatusCompleted, models.StatusFailed} {
		p.metrics.SetQueueDepth(string(s), stats[s])
	}
}
