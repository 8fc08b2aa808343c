// Package pdp submits Factur-X artifacts to a PDP (the certified e-invoicing
// intermediary) and polls submission status.
package pdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"facturx-relay/internal/canonical"
	"facturx-relay/internal/config"
)

// Artifact references one stored file. Base64 is only set in base64 mode.
type Artifact struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// ArtifactsPayload is the PDF/XML pair handed to Submit.
type ArtifactsPayload struct {
	PDF Artifact `json:"pdf"`
	XML Artifact `json:"xml"`
}

// Submission is the provider's acknowledgement of a submit call.
type Submission struct {
	Provider     string `json:"provider"`
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
}

// Status is a polled status. Status is already in the relay's vocabulary
// where the provider allows it; Raw keeps the provider response.
type Status struct {
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// RequestOptions carries per-call credentials and headers.
type RequestOptions struct {
	APIKey         string
	CorrelationID  string
	IdempotencyKey string
}

// Client is implemented by every provider.
type Client interface {
	Submit(ctx context.Context, tenantID string, invoice canonical.Invoice, artifacts ArtifactsPayload, opts RequestOptions) (Submission, error)
	GetStatus(ctx context.Context, tenantID, submissionID string, opts RequestOptions) (Status, error)
}

// New picks the client for cfg.PDPProvider.
func New(cfg config.Config) (Client, error) {
	switch strings.ToLower(cfg.PDPProvider) {
	case "", "mock":
		return NewMock(), nil
	case "http":
		return NewHTTPClient(cfg.PDPBaseURL, cfg.PDPAPIKey, "http", cfg.HTTPClientTimeout), nil
	case "superpdp":
		return NewSuperPDP(cfg.PDPBaseURL, cfg.PDPAPIKey, cfg.HTTPClientTimeout), nil
	default:
		return nil, fmt.Errorf("unknown pdp provider %q", cfg.PDPProvider)
	}
}

func pickKey(opts RequestOptions, fallback string) string {
	if opts.APIKey != "" {
		return opts.APIKey
	}
	return fallback
}
