package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturx-relay/internal/models"
	"facturx-relay/internal/store"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		max      time.Duration
		want     time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{3, 0, 8 * time.Second},
		{10, 0, 1024 * time.Second},
		{10, time.Minute, time.Minute},
		{-1, 0, time.Second},
		{200, 0, time.Duration(1<<63 - 1)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempts, tc.max), "attempts=%d max=%s", tc.attempts, tc.max)
	}
	prev := time.Duration(0)
	for n := 0; n < 12; n++ {
		cur := Backoff(n, 0)
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

// openTestQueue migrates RELAY_TEST_DATABASE_URL and empties the jobs table.
func openTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.WaitReady(ctx, 10, 200*time.Millisecond))
	require.NoError(t, st.RunMigrations(ctx))
	_, err = st.Pool().Exec(ctx, `TRUNCATE jobs`)
	require.NoError(t, err)
	return New(st.Pool(), opts, zerolog.Nop())
}

func makeDue(t *testing.T, q *Queue, id string) {
	t.Helper()
	_, err := q.pool.Exec(context.Background(), `UPDATE jobs SET run_at = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()
	payload := models.StagePayload{TenantID: "t1", InvoiceID: "inv-1", CorrelationID: "c"}
	opts := EnqueueOptions{TenantID: "t1", IdempotencyKey: "FETCH:t1:crm-1"}

	first, err := q.Enqueue(ctx, models.JobFetchInvoice, payload, opts)
	require.NoError(t, err)
	assert.True(t, first.Enqueued)
	assert.NotEmpty(t, first.ID)

	second, err := q.Enqueue(ctx, models.JobFetchInvoice, payload, opts)
	require.NoError(t, err)
	assert.False(t, second.Enqueued)
	assert.Empty(t, second.ID)

	// Same key, different type or tenant is a different job.
	other, err := q.Enqueue(ctx, models.JobMapCanonical, payload, opts)
	require.NoError(t, err)
	assert.True(t, other.Enqueued)
	opts.TenantID = "t2"
	other, err = q.Enqueue(ctx, models.JobFetchInvoice, payload, opts)
	require.NoError(t, err)
	assert.True(t, other.Enqueued)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats[models.StatusQueued])

	_, err = q.Enqueue(ctx, models.JobType("BOGUS"), payload, EnqueueOptions{})
	require.Error(t, err)
}

func TestReserveNextSingleClaimUnderConcurrency(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()

	res, err := q.Enqueue(ctx, models.JobSubmitPDP, models.StagePayload{TenantID: "t1"}, EnqueueOptions{TenantID: "t1"})
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := q.ReserveNext(ctx, "worker-"+string(rune('a'+n)))
			if err != nil || job == nil {
				return
			}
			mu.Lock()
			claimed = append(claimed, job.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, claimed, 1)
	assert.Equal(t, res.ID, claimed[0])

	job, err := q.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedBy)

	none, err := q.ReserveNext(ctx, "late")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReserveNextHonoursRunAt(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.JobSyncStatus, models.StagePayload{}, EnqueueOptions{RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	job, err := q.ReserveNext(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailBacksOffThenFails(t *testing.T) {
	q := openTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	res, err := q.Enqueue(ctx, models.JobSubmitPDP, models.StagePayload{}, EnqueueOptions{})
	require.NoError(t, err)

	var lastDelay time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		makeDue(t, q, res.ID)
		job, err := q.ReserveNext(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, attempt, job.Attempts)

		before := time.Now()
		retry, err := q.Fail(ctx, job.ID, "w", "boom")
		require.NoError(t, err)

		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "boom", *stored.LastError)
		assert.Nil(t, stored.LockedBy)

		if attempt < 3 {
			assert.True(t, retry)
			assert.Equal(t, models.StatusQueued, stored.Status)
			delay := stored.RunAt.Sub(before)
			assert.Greater(t, delay, lastDelay)
			assert.InDelta(t, Backoff(attempt, 0).Seconds(), delay.Seconds(), 1.5)
			lastDelay = delay
		} else {
			assert.False(t, retry)
			assert.Equal(t, models.StatusFailed, stored.Status)
		}
	}
}

func TestFailHonoursBackoffCap(t *testing.T) {
	q := openTestQueue(t, Options{MaxAttempts: 10, BackoffMax: 3 * time.Second})
	ctx := context.Background()
	res, err := q.Enqueue(ctx, models.JobSubmitPDP, models.StagePayload{}, EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.ReserveNext(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = q.pool.Exec(ctx, `UPDATE jobs SET attempts = 6 WHERE id = $1`, res.ID)
	require.NoError(t, err)

	before := time.Now()
	retry, err := q.Fail(ctx, res.ID, "w", "boom")
	require.NoError(t, err)
	assert.True(t, retry)
	stored, err := q.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, stored.RunAt.Sub(before), 4*time.Second)
}

func TestCompleteReleasesLease(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()
	res, err := q.Enqueue(ctx, models.JobMapCanonical, models.StagePayload{}, EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.ReserveNext(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Complete(ctx, res.ID, "w"))
	require.ErrorIs(t, q.Complete(ctx, res.ID, "w"), ErrLeaseLost)

	stored, err := q.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Nil(t, stored.LockedBy)

	_, err = q.Fail(ctx, "00000000-0000-0000-0000-000000000000", "w", "x")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSettleAfterReclaimIsRejected(t *testing.T) {
	q := openTestQueue(t, Options{})
	ctx := context.Background()
	res, err := q.Enqueue(ctx, models.JobSyncStatus, models.StagePayload{}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = q.ReserveNext(ctx, "slow")
	require.NoError(t, err)
	_, err = q.pool.Exec(ctx, `UPDATE jobs SET locked_at = now() - interval '1 hour' WHERE id = $1`, res.ID)
	require.NoError(t, err)
	n, err := q.RequeueStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := q.ReserveNext(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.ErrorIs(t, q.Complete(ctx, res.ID, "slow"), ErrLeaseLost)
	_, err = q.Fail(ctx, res.ID, "slow", "late")
	require.ErrorIs(t, err, ErrLeaseLost)

	stored, err := q.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)
	require.NotNil(t, stored.LockedBy)
	assert.Equal(t, "fresh", *stored.LockedBy)

	require.NoError(t, q.Complete(ctx, res.ID, "fresh"))
}

func TestRequeueStale(t *testing.T) {
	q := openTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	res, err := q.Enqueue(ctx, models.JobFetchInvoice, models.StagePayload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.ReserveNext(ctx, "crashed")
	require.NoError(t, err)

	n, err := q.RequeueStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "zero timeout disables reclaim")

	_, err = q.pool.Exec(ctx, `UPDATE jobs SET locked_at = now() - interval '1 hour' WHERE id = $1`, res.ID)
	require.NoError(t, err)
	n, err = q.RequeueStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := q.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Nil(t, stored.LockedBy)
}
