package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturx-relay/internal/models"
	"facturx-relay/internal/queue"
	"facturx-relay/internal/testutil"
)

// recordingHandlers records the dispatched types and fails on demand.
type recordingHandlers struct {
	mu     sync.Mutex
	called []models.JobType
	fail   map[models.JobType]error
	during func()
}

func (r *recordingHandlers) handle(t models.JobType) error {
	if r.during != nil {
		r.during()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.called = append(r.called, t)
	return r.fail[t]
}

func (r *recordingHandlers) FetchInvoice(_ context.Context, j models.Job) error { return r.handle(j.Type) }
func (r *recordingHandlers) MapCanonical(_ context.Context, j models.Job) error { return r.handle(j.Type) }
func (r *recordingHandlers) GenerateFacturX(_ context.Context, j models.Job) error { return r.handle(j.Type) }
func (r *recordingHandlers) SubmitPDP(_ context.Context, j models.Job) error { return r.handle(j.Type) }
func (r *recordingHandlers) SyncStatus(_ context.Context, j models.Job) error { return r.handle(j.Type) }
func (r *recordingHandlers) ReconcilePDP(_ context.Context, j models.Job) error { return r.handle(j.Type) }

// countingMetrics records counter increments and gauge values.
type countingMetrics struct {
	mu       sync.Mutex
	counts   map[string]int
	depth    map[string]int64
	inFlight float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: map[string]int{}, depth: map[string]int64{}}
}

func (c *countingMetrics) Increment(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}

func (c *countingMetrics) SetQueueDepth(status string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth[status] = n
}

func (c *countingMetrics) AddInFlight(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight += delta
}

func (c *countingMetrics) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func TestDispatchCoversEveryJobType(t *testing.T) {
	h := &recordingHandlers{}
	for _, jt := range models.JobTypes {
		require.NoError(t, Dispatch(context.Background(), h, models.Job{Type: jt}))
	}
	assert.Equal(t, models.JobTypes, h.called)

	err := Dispatch(context.Background(), h, models.Job{Type: "UNKNOWN"})
	require.Error(t, err)
}

func TestProcessOnceCompletes(t *testing.T) {
	q := testutil.NewQueue()
	h := &recordingHandlers{}
	m := newCountingMetrics()
	p := NewProcessor(ProcessorConfig{WorkerID: "w"}, q, h, m, zerolog.Nop())
	ctx := context.Background()

	processed, err := p.ProcessOnce(ctx, "w-0")
	require.NoError(t, err)
	assert.False(t, processed, "empty queue")

	res, err := q.Enqueue(ctx, models.JobMapCanonical, models.StagePayload{}, queue.EnqueueOptions{})
	require.NoError(t, err)

	processed, err = p.ProcessOnce(ctx, "w-0")
	require.NoError(t, err)
	assert.True(t, processed)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, res.ID, jobs[0].ID)
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.Equal(t, 1, m.count("relay_jobs_completed_total"))
	assert.Zero(t, m.inFlight)
}

func TestProcessOnceRetriesThenFails(t *testing.T) {
	q := testutil.NewQueue()
	h := &recordingHandlers{fail: map[models.JobType]error{models.JobSubmitPDP: errors.New("pdp down")}}
	m := newCountingMetrics()
	p := NewProcessor(ProcessorConfig{}, q, h, m, zerolog.Nop())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.JobSubmitPDP, models.StagePayload{}, queue.EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	processed, err := p.ProcessOnce(ctx, "w")
	require.NoError(t, err)
	require.True(t, processed)
	job := q.Jobs()[0]
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.True(t, job.RunAt.After(time.Now()), "retry is delayed")
	require.NotNil(t, job.LastError)
	assert.Equal(t, "pdp down", *job.LastError)

	processed, err = p.ProcessOnce(ctx, "w")
	require.NoError(t, err)
	assert.False(t, processed, "backoff hides the job")

	q.MakeDue()
	processed, err = p.ProcessOnce(ctx, "w")
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, models.StatusFailed, q.Jobs()[0].Status)

	assert.Equal(t, 1, m.count("relay_jobs_retried_total"))
	assert.Equal(t, 1, m.count("relay_jobs_failed_total"))
}

func TestMaintainReclaimsAndReportsDepth(t *testing.T) {
	q := testutil.NewQueue()
	m := newCountingMetrics()
	p := NewProcessor(ProcessorConfig{LeaseTimeout: time.Minute}, q, &recordingHandlers{}, m, zerolog.Nop())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.JobFetchInvoice, models.StagePayload{}, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.JobFetchInvoice, models.StagePayload{}, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.ReserveNext(ctx, "crashed")
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)
	q.Now = func() time.Time { return later }
	p.Maintain(ctx)

	assert.Equal(t, 1, m.count("relay_jobs_reclaimed_total"))
	assert.Equal(t, int64(2), m.depth["queued"])
	assert.Equal(t, int64(0), m.depth["running"])
}

func TestProcessOnceLeavesReclaimedJobToNewOwner(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"success", nil},
		{"failure", errors.New("pdp timeout")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q := testutil.NewQueue()
			m := newCountingMetrics()
			ctx := context.Background()
			h := &recordingHandlers{fail: map[models.JobType]error{models.JobSyncStatus: tc.err}}
			// While the handler runs, the lease expires and another worker claims the job.
			h.during = func() {
				later := time.Now().Add(time.Hour)
				q.Now = func() time.Time { return later }
				n, err := q.RequeueStale(ctx, time.Minute)
				require.NoError(t, err)
				require.Equal(t, 1, n)
				job, err := q.ReserveNext(ctx, "w-fresh")
				require.NoError(t, err)
				require.NotNil(t, job)
			}
			p := NewProcessor(ProcessorConfig{}, q, h, m, zerolog.Nop())

			_, err := q.Enqueue(ctx, models.JobSyncStatus, models.StagePayload{}, queue.EnqueueOptions{})
			require.NoError(t, err)

			processed, err := p.ProcessOnce(ctx, "w-slow")
			require.NoError(t, err)
			assert.True(t, processed)

			job := q.Jobs()[0]
			assert.Equal(t, models.StatusRunning, job.Status)
			require.NotNil(t, job.LockedBy)
			assert.Equal(t, "w-fresh", *job.LockedBy)
			assert.Nil(t, job.LastError)
			assert.Zero(t, m.count("relay_jobs_completed_total"))
			assert.Zero(t, m.count("relay_jobs_retried_total"))
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := testutil.NewQueue()
	h := &recordingHandlers{}
	p := NewProcessor(ProcessorConfig{PollInterval: 5 * time.Millisecond, Concurrency: 3}, q, h, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, models.JobFetchInvoice, models.StagePayload{}, queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats[models.StatusCompleted] == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
