package pdp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"
	"time"

	"facturx-relay/internal/canonical"
)

const superPDPProvider = "superpdp"

var numericID = regexp.MustCompile(`^[0-9]+$`)

// ErrNoInlineArtifacts is returned when SUPER PDP is used in keys mode.
var ErrNoInlineArtifacts = errors.New("superpdp submit requires base64 artifacts (set PDP_ARTIFACT_MODE=base64)")

// SuperPDP is the SUPER PDP v1.beta client.
type SuperPDP struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewSuperPDP(baseURL, apiKey string, timeout time.Duration) *SuperPDP {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &SuperPDP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type superInvoice struct {
	ID int64 `json:"id"`
}

type superEvent struct {
	ID         int64           `json:"id"`
	InvoiceID  int64           `json:"invoice_id"`
	StatusCode string          `json:"status_code"`
	StatusText string          `json:"status_text"`
	CreatedAt  string          `json:"created_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type superEventList struct {
	Data     []superEvent `json:"data"`
	HasAfter bool         `json:"has_after"`
}

// Submit uploads the PDF as multipart when present, otherwise the bare XML.
func (c *SuperPDP) Submit(ctx context.Context, _ string, _ canonical.Invoice, artifacts ArtifactsPayload, opts RequestOptions) (Submission, error) {
	if artifacts.PDF.Base64 == "" && artifacts.XML.Base64 == "" {
		return Submission{}, ErrNoInlineArtifacts
	}

	var (
		body        bytes.Buffer
		contentType string
	)
	if artifacts.PDF.Base64 != "" {
		pdf, err := base64.StdEncoding.DecodeString(artifacts.PDF.Base64)
		if err != nil {
			return Submission{}, fmt.Errorf("decode pdf artifact: %w", err)
		}
		mw := multipart.NewWriter(&body)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file_name"; filename="facturx.pdf"`)
		h.Set("Content-Type", "application/pdf")
		part, err := mw.CreatePart(h)
		if err != nil {
			return Submission{}, err
		}
		if _, err := part.Write(pdf); err != nil {
			return Submission{}, err
		}
		if err := mw.Close(); err != nil {
			return Submission{}, err
		}
		contentType = mw.FormDataContentType()
	} else {
		xml, err := base64.StdEncoding.DecodeString(artifacts.XML.Base64)
		if err != nil {
			return Submission{}, fmt.Errorf("decode xml artifact: %w", err)
		}
		body.Write(xml)
		contentType = "application/xml"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1.beta/invoices", &body)
	if err != nil {
		return Submission{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	setHeaders(req, pickKey(opts, c.apiKey), opts)

	var out superInvoice
	if err := c.do(req, &out); err != nil {
		return Submission{}, fmt.Errorf("superpdp submit: %w", err)
	}
	if out.ID == 0 {
		return Submission{}, errors.New("superpdp submit: missing invoice id in response")
	}
	return Submission{Provider: superPDPProvider, SubmissionID: fmt.Sprint(out.ID), Status: "SUBMITTED"}, nil
}

// GetStatus reads the invoice event log and normalizes the latest event.
func (c *SuperPDP) GetStatus(ctx context.Context, _ string, submissionID string, opts RequestOptions) (Status, error) {
	if !numericID.MatchString(submissionID) {
		return Status{}, fmt.Errorf("superpdp status: submission id %q must be an integer", submissionID)
	}
	q := url.Values{}
	q.Set("invoice_id", submissionID)
	q.Set("limit", "1000")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1.beta/invoice_events?"+q.Encode(), nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")
	setHeaders(req, pickKey(opts, c.apiKey), opts)

	var list superEventList
	if err := c.do(req, &list); err != nil {
		return Status{}, fmt.Errorf("superpdp status: %w", err)
	}

	raw := map[string]any{"provider": superPDPProvider, "invoice_id": submissionID}
	if len(list.Data) == 0 {
		raw["events"] = []any{}
		encoded, _ := json.Marshal(raw)
		return Status{Status: "PROCESSING", Raw: encoded}, nil
	}
	latest := list.Data[len(list.Data)-1]
	raw["latest_event"] = latest
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Status{}, err
	}
	return Status{Status: NormalizeSuperPDPStatus(latest.StatusCode, latest.StatusText), Raw: encoded}, nil
}

func (c *SuperPDP) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}
