package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when a tenant-scoped row does not exist.
var ErrNotFound = errors.New("not found")

// JobStatus enumerates lifecycle states persisted in the jobs table.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// JobType is the closed set of pipeline job types.
type JobType string

const (
	JobFetchInvoice    JobType = "FETCH_INVOICE"
	JobMapCanonical    JobType = "MAP_CANONICAL"
	JobGenerateFacturX JobType = "GENERATE_FACTURX"
	JobSubmitPDP       JobType = "SUBMIT_PDP"
	JobSyncStatus      JobType = "SYNC_STATUS"
	JobReconcilePDP    JobType = "RECONCILE_PDP"
)

// JobTypes lists every job type in pipeline order.
var JobTypes = []JobType{
	JobFetchInvoice,
	JobMapCanonical,
	JobGenerateFacturX,
	JobSubmitPDP,
	JobSyncStatus,
	JobReconcilePDP,
}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseJobType converts a stored type column into a JobType.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return t, nil
}

// Job represents a unit of queued work persisted in Postgres.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	TenantID       string          `json:"tenant_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAt          time.Time       `json:"run_at"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	LockedBy       *string         `json:"locked_by,omitempty"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StagePayload is carried by the five per-invoice pipeline jobs.
type StagePayload struct {
	TenantID      string `json:"tenantId"`
	InvoiceID     string `json:"invoiceId"`
	CRMInvoiceID  string `json:"crmInvoiceId,omitempty"`
	CorrelationID string `json:"correlationId"`
	// PollAttempt counts self-scheduled SYNC_STATUS polls.
	PollAttempt int `json:"pollAttempt,omitempty"`
	// PollChain names the reconcile job that started this poll sequence.
	// Empty for the sequence started by SUBMIT_PDP.
	PollChain string `json:"pollChain,omitempty"`
}

// ReconcilePayload is carried by RECONCILE_PDP jobs.
type ReconcilePayload struct {
	CorrelationID string `json:"correlationId"`
	Limit         int    `json:"limit,omitempty"`
}

// DecodePayload unmarshals the job payload into v.
func (j Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has an empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}
