// Package testutil provides in-memory stand-ins for the Postgres queue and
// store so pipeline and API tests run without a database.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"facturx-relay/internal/idempotency"
	"facturx-relay/internal/models"
	"facturx-relay/internal/queue"
	"facturx-relay/internal/store"
)

// Queue mirrors queue.Queue semantics in memory.
type Queue struct {
	mu          sync.Mutex
	jobs        []*models.Job
	MaxAttempts int
	BackoffMax  time.Duration
	Now         func() time.Time
}

func NewQueue() *Queue {
	return &Queue{MaxAttempts: queue.DefaultMaxAttempts, Now: time.Now}
}

func (q *Queue) Enqueue(_ context.Context, jobType models.JobType, payload any, opts queue.EnqueueOptions) (queue.EnqueueResult, error) {
	if !jobType.Valid() {
		return queue.EnqueueResult{}, fmt.Errorf("enqueue: unknown job type %q", jobType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("marshal payload: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.IdempotencyKey != "" {
		for _, j := range q.jobs {
			if j.TenantID == opts.TenantID && j.Type == jobType && j.IdempotencyKey != nil && *j.IdempotencyKey == opts.IdempotencyKey {
				return queue.EnqueueResult{}, nil
			}
		}
	}
	now := q.Now()
	if opts.RunAt.IsZero() {
		opts.RunAt = now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.MaxAttempts
	}
	job := &models.Job{
		ID:            uuid.NewString(),
		Type:          jobType,
		TenantID:      opts.TenantID,
		CorrelationID: opts.CorrelationID,
		Payload:       body,
		Status:        models.StatusQueued,
		MaxAttempts:   opts.MaxAttempts,
		RunAt:         opts.RunAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.IdempotencyKey != "" {
		key := opts.IdempotencyKey
		job.IdempotencyKey = &key
	}
	q.jobs = append(q.jobs, job)
	return queue.EnqueueResult{ID: job.ID, Enqueued: true}, nil
}

func (q *Queue) ReserveNext(_ context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()
	var next *models.Job
	for _, j := range q.jobs {
		if j.Status != models.StatusQueued || j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = models.StatusRunning
	next.Attempts++
	owner := workerID
	next.LockedBy = &owner
	next.LockedAt = &now
	next.UpdatedAt = now
	out := *next
	return &out, nil
}

func (q *Queue) Complete(_ context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(jobID)
	if j == nil || !holds(j, workerID) {
		return fmt.Errorf("complete job %s: %w", jobID, queue.ErrLeaseLost)
	}
	j.Status = models.StatusCompleted
	j.LockedBy, j.LockedAt, j.LastError = nil, nil, nil
	return nil
}

func (q *Queue) Fail(_ context.Context, jobID, workerID, message string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(jobID)
	if j == nil {
		return false, fmt.Errorf("fail job %s: %w", jobID, models.ErrNotFound)
	}
	if !holds(j, workerID) {
		return false, fmt.Errorf("fail job %s: %w", jobID, queue.ErrLeaseLost)
	}
	retry := j.Attempts < j.MaxAttempts
	j.RunAt = q.Now()
	j.Status = models.StatusFailed
	if retry {
		j.Status = models.StatusQueued
		j.RunAt = j.RunAt.Add(queue.Backoff(j.Attempts, q.BackoffMax))
	}
	msg := message
	j.LastError = &msg
	j.LockedBy, j.LockedAt = nil, nil
	return retry, nil
}

func (q *Queue) RequeueStale(_ context.Context, leaseTimeout time.Duration) (int, error) {
	if leaseTimeout <= 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.Now().Add(-leaseTimeout)
	n := 0
	for _, j := range q.jobs {
		if j.Status != models.StatusRunning || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		j.Status = models.StatusQueued
		if j.Attempts >= j.MaxAttempts {
			j.Status = models.StatusFailed
		}
		j.LockedBy, j.LockedAt = nil, nil
		n++
	}
	return n, nil
}

func (q *Queue) Stats(context.Context) (map[models.JobStatus]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[models.JobStatus]int64{}
	for _, j := range q.jobs {
		out[j.Status]++
	}
	return out, nil
}

// Jobs returns a snapshot of every job in insertion order.
func (q *Queue) Jobs() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	return out
}

// JobsOfType filters Jobs by type.
func (q *Queue) JobsOfType(t models.JobType) []models.Job {
	var out []models.Job
	for _, j := range q.Jobs() {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

// MakeDue moves every queued job's run-at to now.
func (q *Queue) MakeDue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()
	for _, j := range q.jobs {
		if j.Status == models.StatusQueued && j.RunAt.After(now) {
			j.RunAt = now
		}
	}
}

func holds(j *models.Job, workerID string) bool {
	return j.Status == models.StatusRunning && j.LockedBy != nil && *j.LockedBy == workerID
}

func (q *Queue) find(id string) *models.Job {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

type artifactRow struct {
	tenantID string
	seq      int
	models.Artifacts
}

type submissionRow struct {
	seq int
	models.Submission
}

// Store mirrors store.Store in memory.
type Store struct {
	mu          sync.Mutex
	seq         int
	tenants     map[string]models.Tenant
	secrets     map[string]models.TenantSecretRow
	invoices    map[string]*models.Invoice
	byCRM       map[string]string
	artifacts   []artifactRow
	submissions map[string]*submissionRow
	audit       []models.AuditEvent
	keys        map[string]struct{}
	Now         func() time.Time
}

func NewStore() *Store {
	return &Store{
		tenants:     make(map[string]models.Tenant),
		secrets:     make(map[string]models.TenantSecretRow),
		invoices:    make(map[string]*models.Invoice),
		byCRM:       make(map[string]string),
		submissions: make(map[string]*submissionRow),
		keys:        make(map[string]struct{}),
		Now:         time.Now,
	}
}

func (s *Store) next() int {
	s.seq++
	return s.seq
}

func (s *Store) UpsertTenant(_ context.Context, t models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = store.TenantActive
	}
	s.tenants[t.ID] = t
	return nil
}

func (s *Store) GetActiveTenant(_ context.Context, tenantID string) (models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok || t.Status != store.TenantActive {
		return models.Tenant{}, fmt.Errorf("get tenant: %w", models.ErrNotFound)
	}
	return t, nil
}

func (s *Store) PutTenantSecrets(_ context.Context, row models.TenantSecretRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[row.TenantID] = row
	return nil
}

func (s *Store) GetTenantSecretRow(_ context.Context, tenantID string) (models.TenantSecretRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.secrets[tenantID]
	if !ok {
		return models.TenantSecretRow{}, fmt.Errorf("get tenant secrets: %w", models.ErrNotFound)
	}
	return row, nil
}

func (s *Store) UpsertInvoiceFromWebhook(_ context.Context, tenantID, crmInvoiceID string, raw json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if id, ok := s.byCRM[tenantID+"/"+crmInvoiceID]; ok {
		inv := s.invoices[id]
		inv.RawPayload = raw
		inv.UpdatedAt = now
		return id, nil
	}
	id := uuid.NewString()
	s.invoices[id] = &models.Invoice{
		ID:           id,
		TenantID:     tenantID,
		CRMInvoiceID: crmInvoiceID,
		Status:       models.InvoiceNew,
		RawPayload:   raw,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byCRM[tenantID+"/"+crmInvoiceID] = id
	return id, nil
}

func (s *Store) GetInvoice(_ context.Context, tenantID, invoiceID string) (models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.invoice(tenantID, invoiceID)
	if err != nil {
		return models.Invoice{}, err
	}
	return *inv, nil
}

func (s *Store) UpdateInvoiceRaw(_ context.Context, tenantID, invoiceID string, raw json.RawMessage, status models.InvoiceStatus) error {
	return s.updateInvoice(tenantID, invoiceID, func(inv *models.Invoice) {
		if len(raw) > 0 {
			inv.RawPayload = raw
		}
		inv.Status = status
	})
}

func (s *Store) SetInvoiceCanonical(_ context.Context, tenantID, invoiceID string, canonical json.RawMessage, status models.InvoiceStatus) error {
	return s.updateInvoice(tenantID, invoiceID, func(inv *models.Invoice) {
		inv.CanonicalPayload = canonical
		inv.Status = status
	})
}

func (s *Store) SetInvoiceStatus(_ context.Context, tenantID, invoiceID string, status models.InvoiceStatus) error {
	return s.updateInvoice(tenantID, invoiceID, func(inv *models.Invoice) { inv.Status = status })
}

func (s *Store) updateInvoice(tenantID, invoiceID string, mutate func(*models.Invoice)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.invoice(tenantID, invoiceID)
	if err != nil {
		return err
	}
	mutate(inv)
	inv.UpdatedAt = s.Now()
	return nil
}

func (s *Store) invoice(tenantID, invoiceID string) (*models.Invoice, error) {
	inv, ok := s.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return nil, fmt.Errorf("get invoice: %w", models.ErrNotFound)
	}
	return inv, nil
}

func (s *Store) InsertArtifacts(_ context.Context, tenantID string, a models.Artifacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.NewString()
	a.CreatedAt = s.Now()
	s.artifacts = append(s.artifacts, artifactRow{tenantID: tenantID, seq: s.next(), Artifacts: a})
	return nil
}

func (s *Store) LatestArtifacts(_ context.Context, tenantID, invoiceID string) (models.Artifacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *artifactRow
	for i := range s.artifacts {
		row := &s.artifacts[i]
		if row.tenantID == tenantID && row.InvoiceID == invoiceID && (best == nil || row.seq > best.seq) {
			best = row
		}
	}
	if best == nil {
		return models.Artifacts{}, fmt.Errorf("latest artifacts: %w", models.ErrNotFound)
	}
	return best.Artifacts, nil
}

func submissionKey(tenantID, invoiceID, provider string) string {
	return tenantID + "/" + invoiceID + "/" + provider
}

func (s *Store) UpsertSubmission(_ context.Context, sub models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	key := submissionKey(sub.TenantID, sub.InvoiceID, sub.Provider)
	if existing, ok := s.submissions[key]; ok {
		sub.ID = existing.ID
	} else {
		sub.ID = uuid.NewString()
	}
	sub.LastError = nil
	sub.LastCheckedAt = &now
	sub.UpdatedAt = now
	s.submissions[key] = &submissionRow{seq: s.next(), Submission: sub}
	return nil
}

func (s *Store) LatestSubmission(_ context.Context, tenantID, invoiceID string) (models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *submissionRow
	for _, row := range s.submissions {
		if row.TenantID == tenantID && row.InvoiceID == invoiceID && (best == nil || row.seq > best.seq) {
			best = row
		}
	}
	if best == nil {
		return models.Submission{}, fmt.Errorf("latest submission: %w", models.ErrNotFound)
	}
	return best.Submission, nil
}

func (s *Store) RecordSubmissionStatus(_ context.Context, sub models.Submission) error {
	return s.updateSubmission(sub, func(row *submissionRow) {
		row.Status = sub.Status
		row.StatusRaw = sub.StatusRaw
		row.LastError = nil
	})
}

func (s *Store) RecordSubmissionError(_ context.Context, sub models.Submission, message string) error {
	return s.updateSubmission(sub, func(row *submissionRow) {
		msg := message
		row.LastError = &msg
	})
}

func (s *Store) updateSubmission(sub models.Submission, mutate func(*submissionRow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.submissions {
		if row.TenantID == sub.TenantID && row.Provider == sub.Provider && row.SubmissionID == sub.SubmissionID {
			mutate(row)
			now := s.Now()
			row.LastCheckedAt = &now
			row.UpdatedAt = now
			row.seq = s.next()
			return nil
		}
	}
	return fmt.Errorf("update submission: %w", models.ErrNotFound)
}

// SetSubmissionCheckedAt rewinds a submission's last check, for staleness tests.
func (s *Store) SetSubmissionCheckedAt(tenantID, invoiceID string, at *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.submissions {
		if row.TenantID == tenantID && row.InvoiceID == invoiceID {
			row.LastCheckedAt = at
		}
	}
}

func (s *Store) ListStaleSubmissions(_ context.Context, statuses []string, olderThan time.Time, limit int) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var rows []*submissionRow
	for _, row := range s.submissions {
		if !wanted[row.Status] {
			continue
		}
		if row.LastCheckedAt != nil && !row.LastCheckedAt.Before(olderThan) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].LastCheckedAt, rows[j].LastCheckedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return rows[i].seq < rows[j].seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.Submission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Submission)
	}
	return out, nil
}

func (s *Store) InsertAuditEvent(_ context.Context, ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = uuid.NewString()
	ev.CreatedAt = s.Now()
	s.audit = append(s.audit, ev)
	return nil
}

func (s *Store) ListAuditEvents(_ context.Context, tenantID, invoiceID string, limit int) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = store.ClampAuditLimit(limit)
	var out []models.AuditEvent
	for _, ev := range s.audit {
		if ev.TenantID == tenantID && ev.InvoiceID == invoiceID {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// AuditEvents returns every recorded event in insertion order.
func (s *Store) AuditEvents() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEvent(nil), s.audit...)
}

func (s *Store) ClaimIdempotencyKey(_ context.Context, tenantID string, step idempotency.Step, key, _, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantID + "|" + string(step) + "|" + key
	if _, ok := s.keys[k]; ok {
		return false, nil
	}
	s.keys[k] = struct{}{}
	return true, nil
}
