package pdp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"facturx-relay/internal/canonical"
)

// SubmitCall records one Submit made against the mock.
type SubmitCall struct {
	TenantID       string
	InvoiceNumber  string
	Artifacts      ArtifactsPayload
	IdempotencyKey string
}

// Mock accepts every submission. Polls return the scripted statuses in
// order, then ACCEPTED forever.
type Mock struct {
	mu        sync.Mutex
	statuses  []string
	submits   []SubmitCall
	polls     int
	SubmitErr error
	StatusErr error
}

func NewMock(statuses ...string) *Mock {
	return &Mock{statuses: statuses}
}

func (m *Mock) Submit(_ context.Context, tenantID string, invoice canonical.Invoice, artifacts ArtifactsPayload, opts RequestOptions) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return Submission{}, m.SubmitErr
	}
	m.submits = append(m.submits, SubmitCall{
		TenantID:       tenantID,
		InvoiceNumber:  invoice.InvoiceNumber,
		Artifacts:      artifacts,
		IdempotencyKey: opts.IdempotencyKey,
	})
	return Submission{Provider: "mock", SubmissionID: "mock-" + uuid.NewString(), Status: "SUBMITTED"}, nil
}

func (m *Mock) GetStatus(_ context.Context, _ string, submissionID string, _ RequestOptions) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatusErr != nil {
		return Status{}, m.StatusErr
	}
	status := "ACCEPTED"
	if m.polls < len(m.statuses) {
		status = m.statuses[m.polls]
	}
	m.polls++
	raw, _ := json.Marshal(map[string]string{"source": "mock", "submission_id": submissionID})
	return Status{Status: status, Raw: raw}, nil
}

// Submits returns every recorded Submit call.
func (m *Mock) Submits() []SubmitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubmitCall(nil), m.submits...)
}

// Polls is the number of GetStatus calls made so far.
func (m *Mock) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}
