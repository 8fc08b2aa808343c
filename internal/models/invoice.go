package models

import (
	"encoding/json"
	"time"
)

// InvoiceStatus mirrors the pipeline stage an invoice last completed.
type InvoiceStatus string

const (
	InvoiceNew       InvoiceStatus = "NEW"
	InvoiceFetched   InvoiceStatus = "FETCHED"
	InvoiceMapped    InvoiceStatus = "MAPPED"
	InvoiceGenerated InvoiceStatus = "GENERATED"
	InvoiceSubmitted InvoiceStatus = "SUBMITTED"
	InvoiceSynced    InvoiceStatus = "SYNCED"
	InvoiceAccepted  InvoiceStatus = "ACCEPTED"
	InvoiceRejected  InvoiceStatus = "REJECTED"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceError     InvoiceStatus = "ERROR"
)

// Terminal reports whether no further status polling is expected.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoiceAccepted, InvoiceRejected, InvoicePaid, InvoiceError:
		return true
	}
	return false
}

// Invoice is the business entity flowing through the pipeline.
type Invoice struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	CRMInvoiceID     string          `json:"crm_invoice_id"`
	Status           InvoiceStatus   `json:"status"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	CanonicalPayload json.RawMessage `json:"canonical_payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Artifacts references the rendered Factur-X files of an invoice.
type Artifacts struct {
	ID        string    `json:"id"`
	InvoiceID string    `json:"invoice_id"`
	PDFKey    string    `json:"pdf_key"`
	XMLKey    string    `json:"xml_key"`
	PDFSHA256 string    `json:"pdf_sha256"`
	XMLSHA256 string    `json:"xml_sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Submission is one PDP submission per (tenant, invoice, provider).
type Submission struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	InvoiceID     string          `json:"invoice_id"`
	Provider      string          `json:"provider"`
	SubmissionID  string          `json:"submission_id"`
	Status        string          `json:"status"`
	StatusRaw     json.RawMessage `json:"status_raw,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	LastCheckedAt *time.Time      `json:"last_checked_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AuditEvent is one append-only entry in the audit trail.
type AuditEvent struct {
	ID            string         `json:"id,omitempty"`
	TenantID      string         `json:"tenant_id"`
	CorrelationID string         `json:"correlation_id"`
	Actor         string         `json:"actor"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payload_hash,omitempty"`
	InvoiceID     string         `json:"invoice_id,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Tenant owns invoices and credentials.
type Tenant struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Status        string       `json:"status"`
	Config        TenantConfig `json:"config"`
	CRMLocationID string       `json:"crm_location_id,omitempty"`
}

// TenantConfig is the JSON config column of a tenant.
type TenantConfig struct {
	WebhookSecret string `json:"webhook_secret,omitempty" yaml:"webhook_secret"`
	APIToken      string `json:"api_token,omitempty" yaml:"api_token"`
	LogoURL       string `json:"logo_url,omitempty" yaml:"logo_url"`
}

// TenantSecretRow is the encrypted form of a tenant's API keys.
type TenantSecretRow struct {
	TenantID   string
	CRMKeyEnc  *string
	PDPKeyEnc  *string
	CRMNonce   *string
	PDPNonce   *string
	EncVersion int
}
