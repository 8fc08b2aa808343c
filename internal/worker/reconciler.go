package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"facturx-relay/internal/idempotency"
	"facturx-relay/internal/models"
	"facturx-relay/internal/queue"
)

// Enqueuer is the part of the queue the reconciler uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, opts queue.EnqueueOptions) (queue.EnqueueResult, error)
}

// Reconciler enqueues one RECONCILE_PDP per interval bucket. Every worker
// process runs one; the bucket key collapses their ticks into one job.
type Reconciler struct {
	queue    Enqueuer
	interval time.Duration
	batch    int
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReconciler(q Enqueuer, interval time.Duration, batch int, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		queue:    q,
		interval: interval,
		batch:    batch,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("reconcile tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick enqueues the RECONCILE_PDP job of the current bucket.
func (r *Reconciler) Tick(ctx context.Context) (queue.EnqueueResult, error) {
	bucket := r.now().Truncate(r.interval).Unix()
	correlationID := uuid.NewString()
	res, err := r.queue.Enqueue(ctx, models.JobReconcilePDP, models.ReconcilePayload{
		CorrelationID: correlationID,
		Limit:         r.batch,
	}, queue.EnqueueOptions{
		CorrelationID:  correlationID,
		IdempotencyKey: BucketKey(bucket),
	})
	if err != nil {
		return res, fmt.Errorf("enqueue reconcile: %w", err)
	}
	if res.Enqueued {
		r.logger.Info().Int64("bucket", bucket).Str("job_id", res.ID).Msg("reconcile enqueued")
	}
	return res, nil
}

// BucketKey is the idempotency key of a reconcile bucket.
func BucketKey(bucketUnix int64) string {
	return idempotency.BuildKey(idempotency.StepReconcile, strconv.FormatInt(bucketUnix, 10))
}
