package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"facturx-relay/internal/canonical"
)

// HTTPClient speaks a generic JSON submissions API:
// POST {base}/submissions and GET {base}/submissions/{id}.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	provider   string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey, provider string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		provider:   provider,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, _ string, invoice canonical.Invoice, artifacts ArtifactsPayload, opts RequestOptions) (Submission, error) {
	body, err := json.Marshal(map[string]any{"invoice": invoice, "artifacts": artifacts})
	if err != nil {
		return Submission{}, fmt.Errorf("encode submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submissions", bytes.NewReader(body))
	if err != nil {
		return Submission{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, pickKey(opts, c.apiKey), opts)

	var out struct {
		SubmissionID string `json:"submissionId"`
		Status       string `json:"status"`
	}
	if err := c.do(req, &out); err != nil {
		return Submission{}, fmt.Errorf("pdp submit: %w", err)
	}
	if out.SubmissionID == "" {
		return Submission{}, fmt.Errorf("pdp submit: missing submissionId in response")
	}
	if out.Status == "" {
		out.Status = "SUBMITTED"
	}
	return Submission{Provider: c.provider, SubmissionID: out.SubmissionID, Status: out.Status}, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, _ string, submissionID string, opts RequestOptions) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/submissions/"+url.PathEscape(submissionID), nil)
	if err != nil {
		return Status{}, err
	}
	setHeaders(req, pickKey(opts, c.apiKey), opts)

	var out struct {
		Status string          `json:"status"`
		Raw    json.RawMessage `json:"raw"`
	}
	if err := c.do(req, &out); err != nil {
		return Status{}, fmt.Errorf("pdp status: %w", err)
	}
	return Status{Status: strings.ToUpper(out.Status), Raw: out.Raw}, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func setHeaders(req *http.Request, apiKey string, opts RequestOptions) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if opts.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", opts.CorrelationID)
	}
	if opts.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
	}
}

func statusError(code int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	if text == "" {
		return fmt.Errorf("status %d", code)
	}
	return fmt.Errorf("status %d - %s", code, text)
}
