// Package queue implements the durable job queue on a Postgres table.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"facturx-relay/internal/models"
)

// DefaultMaxAttempts applies when neither the caller nor the config sets one.
const DefaultMaxAttempts = 5

// ErrLeaseLost is returned when a worker settles a job it no longer holds,
// typically because the lease expired and the job was reclaimed.
var ErrLeaseLost = errors.New("job lease lost")

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	TenantID       string
	CorrelationID  string
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
}

// EnqueueResult reports whether a row was inserted. A duplicate idempotency
// key yields Enqueued=false and no ID.
type EnqueueResult struct {
	ID       string
	Enqueued bool
}

// Queue is a Postgres-backed job queue. Workers claim rows with
// FOR UPDATE SKIP LOCKED, so any number of processes can share it.
type Queue struct {
	pool        *pgxpool.Pool
	logger      zerolog.Logger
	maxAttempts int
	backoffMax  time.Duration
	now         func() time.Time
}

// Options configure a Queue.
type Options struct {
	MaxAttempts int
	// BackoffMax caps the retry delay; 0 leaves it uncapped.
	BackoffMax time.Duration
}

func New(pool *pgxpool.Pool, opts Options, logger zerolog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		pool:        pool,
		logger:      logger.With().Str("component", "queue").Logger(),
		maxAttempts: opts.MaxAttempts,
		backoffMax:  opts.BackoffMax,
		now:         time.Now,
	}
}

// Enqueue inserts a queued job unless (tenant, type, idempotency key) exists.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload any, opts EnqueueOptions) (EnqueueResult, error) {
	if !jobType.Valid() {
		return EnqueueResult{}, fmt.Errorf("enqueue: unknown job type %q", jobType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal payload: %w", err)
	}
	if opts.RunAt.IsZero() {
		opts.RunAt = q.now()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.maxAttempts
	}

	var id string
	err = q.pool.QueryRow(ctx, `
		INSERT INTO jobs (tenant_id, type, payload, status, run_at, max_attempts, idempotency_key, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, type, idempotency_key) DO NOTHING
		RETURNING id::text
	`, opts.TenantID, string(jobType), body, string(models.StatusQueued), opts.RunAt, opts.MaxAttempts,
		emptyToNil(opts.IdempotencyKey), emptyToNil(opts.CorrelationID)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		q.logger.Debug().
			Str("job_type", string(jobType)).
			Str("tenant_id", opts.TenantID).
			Str("idempotency_key", opts.IdempotencyKey).
			Msg("job skipped: duplicate idempotency key")
		return EnqueueResult{}, nil
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert job: %w", err)
	}
	return EnqueueResult{ID: id, Enqueued: true}, nil
}

// ReserveNext claims the earliest due queued job for workerID. It returns
// nil, nil when nothing is due.
func (q *Queue) ReserveNext(ctx context.Context, workerID string) (*models.Job, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(models.StatusQueued))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next job: %w", err)
	}

	now := q.now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, locked_by = $3, locked_at = $4, updated_at = $4
		WHERE id = $1
	`, job.ID, string(models.StatusRunning), workerID, now); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = models.StatusRunning
	job.Attempts++
	job.LockedBy = &workerID
	job.LockedAt = &now
	return &job, nil
}

// Complete marks a job completed and releases its lock. Only the worker
// holding the lease may complete it; anyone else gets ErrLeaseLost.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, locked_by = NULL, locked_at = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = $3 AND locked_by = $4
	`, jobID, string(models.StatusCompleted), string(models.StatusRunning), workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

// Fail records message and either re-queues the job after an exponential
// backoff or marks it failed once attempts reach max attempts. It reports
// whether the job will run again. Like Complete, it requires workerID to
// hold the lease.
func (q *Queue) Fail(ctx context.Context, jobID, workerID, message string) (bool, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		attempts, maxAttempts int
		status                string
		lockedBy              pgtype.Text
	)
	err = tx.QueryRow(ctx, `SELECT attempts, max_attempts, status, locked_by FROM jobs WHERE id = $1 FOR UPDATE`, jobID).
		Scan(&attempts, &maxAttempts, &status, &lockedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("fail job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read attempts: %w", err)
	}
	if status != string(models.StatusRunning) || !lockedBy.Valid || lockedBy.String != workerID {
		return false, fmt.Errorf("fail job %s: %w", jobID, ErrLeaseLost)
	}

	retry := attempts < maxAttempts
	next := models.StatusFailed
	runAt := q.now()
	if retry {
		next = models.StatusQueued
		runAt = runAt.Add(Backoff(attempts, q.backoffMax))
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, run_at = $3, last_error = $4, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1
	`, jobID, string(next), runAt, message); err != nil {
		return false, fmt.Errorf("update failed job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit fail: %w", err)
	}
	return retry, nil
}

// RequeueStale returns running jobs whose lock is older than leaseTimeout to
// the queue, or marks them failed when they have no attempts left. A zero
// timeout disables reclaim.
func (q *Queue) RequeueStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	if leaseTimeout <= 0 {
		return 0, nil
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN $3 ELSE $4 END,
		    last_error = 'lease expired', locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE status = $1 AND locked_at < $2
	`, string(models.StatusRunning), q.now().Add(-leaseTimeout), string(models.StatusFailed), string(models.StatusQueued))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	out := map[models.JobStatus]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (models.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id::text = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job: %w", models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Backoff is 2^attempts seconds, capped by max when max > 0.
func Backoff(attempts int, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	wait := time.Duration(math.MaxInt64)
	if ns := math.Pow(2, float64(attempts)) * float64(time.Second); ns < math.MaxInt64 {
		wait = time.Duration(ns)
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

const jobColumns = `id::text, tenant_id, type, payload, status, attempts, max_attempts, run_at,
	idempotency_key, correlation_id, locked_by, locked_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                      models.Job
		jobType, status          string
		payload                  []byte
		idem, corr, lockedBy, le pgtype.Text
		lockedAt                 pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.TenantID, &jobType, &payload, &status, &job.Attempts, &job.MaxAttempts, &job.RunAt,
		&idem, &corr, &lockedBy, &lockedAt, &le, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.Payload = payload
	job.IdempotencyKey = textPtr(idem)
	if corr.Valid {
		job.CorrelationID = corr.String
	}
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(le)
	if lockedAt.Valid {
		t := lockedAt.Time
		job.LockedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
