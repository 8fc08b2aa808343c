// Package crm talks to the GHL CRM: invoice fetches, status pushes, webhook
// signature checks and the mapping of raw invoices onto the canonical model.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RequestOptions carries per-call credentials and tracing ids.
type RequestOptions struct {
	APIKey        string
	CorrelationID string
}

// Client is what the pipeline needs from the CRM.
type Client interface {
	FetchInvoice(ctx context.Context, tenantID, externalID string, opts RequestOptions) (json.RawMessage, error)
	PushStatus(ctx context.Context, tenantID, externalID, status string, opts RequestOptions) error
}

const maxResponseBytes = 5 << 20

// HTTPClient calls the GHL REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a client against baseURL. A zero timeout means 15s.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) FetchInvoice(ctx context.Context, tenantID, externalID string, opts RequestOptions) (json.RawMessage, error) {
	if externalID == "" {
		return nil, fmt.Errorf("fetch invoice: empty external id")
	}
	endpoint := fmt.Sprintf("%s/invoices/%s", c.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req, tenantID, opts)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch invoice %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read invoice %s: %w", externalID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch invoice %s: status %d: %s", externalID, resp.StatusCode, truncate(body))
	}

	// Responses come either bare or wrapped as {"invoice": {...}}.
	var envelope struct {
		Invoice json.RawMessage `json:"invoice"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Invoice) > 0 && envelope.Invoice[0] == '{' {
		return envelope.Invoice, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetch invoice %s: invalid json", externalID)
	}
	return json.RawMessage(body), nil
}

func (c *HTTPClient) PushStatus(ctx context.Context, tenantID, externalID, status string, opts RequestOptions) error {
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/invoices/%s/compliance-status", c.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.decorate(req, tenantID, opts)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push status %s: %w", externalID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push status %s: status %d: %s", externalID, resp.StatusCode, truncate(body))
	}
	return nil
}

func (c *HTTPClient) decorate(req *http.Request, tenantID string, opts RequestOptions) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", "2021-07-28")
	if opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	}
	if opts.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", opts.CorrelationID)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-Id", tenantID)
	}
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// PushedStatus is one status pushed to the mock.
type PushedStatus struct {
	TenantID   string
	ExternalID string
	Status     string
}

// Mock serves invoices from memory and records pushes. A missing invoice
// yields an error, which the fetch stage treats as a fallback.
type Mock struct {
	mu       sync.Mutex
	invoices map[string]json.RawMessage
	pushes   []PushedStatus
	FetchErr error
	PushErr  error
}

func NewMock() *Mock {
	return &Mock{invoices: make(map[string]json.RawMessage)}
}

// SetInvoice stores the payload returned for tenantID/externalID.
func (m *Mock) SetInvoice(tenantID, externalID string, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[tenantID+"/"+externalID] = raw
}

func (m *Mock) FetchInvoice(_ context.Context, tenantID, externalID string, _ RequestOptions) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	raw, ok := m.invoices[tenantID+"/"+externalID]
	if !ok {
		return nil, fmt.Errorf("mock crm: invoice %s not found", externalID)
	}
	return raw, nil
}

func (m *Mock) PushStatus(_ context.Context, tenantID, externalID, status string, _ RequestOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PushErr != nil {
		return m.PushErr
	}
	m.pushes = append(m.pushes, PushedStatus{TenantID: tenantID, ExternalID: externalID, Status: status})
	return nil
}

// Pushes returns a copy of every recorded status push.
func (m *Mock) Pushes() []PushedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PushedStatus(nil), m.pushes...)
}
