package pdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturx-relay/internal/canonical"
)

func TestSuperPDPSubmitMultipartPDF(t *testing.T) {
	pdf := []byte("%PDF-1.7 fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.beta/invoices", r.URL.Path)
		assert.Equal(t, "Bearer tenant-key", r.Header.Get("Authorization"))
		assert.Equal(t, "SUBMIT:t1:inv1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "corr", r.Header.Get("X-Correlation-Id"))

		file, header, err := r.FormFile("file_name")
		require.NoError(t, err)
		defer file.Close()
		got, _ := io.ReadAll(file)
		assert.Equal(t, pdf, got)
		assert.Equal(t, "facturx.pdf", header.Filename)
		_, _ = w.Write([]byte(`{"id": 4242}`))
	}))
	defer srv.Close()

	c := NewSuperPDP(srv.URL, "default-key", 0)
	sub, err := c.Submit(context.Background(), "t1", canonical.Invoice{}, ArtifactsPayload{
		PDF: Artifact{Key: "k.pdf", Base64: base64.StdEncoding.EncodeToString(pdf)},
	}, RequestOptions{APIKey: "tenant-key", CorrelationID: "corr", IdempotencyKey: "SUBMIT:t1:inv1"})
	require.NoError(t, err)
	assert.Equal(t, Submission{Provider: "superpdp", SubmissionID: "4242", Status: "SUBMITTED"}, sub)
}

func TestSuperPDPSubmitXMLFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer default-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "<xml/>", string(body))
		_, _ = w.Write([]byte(`{"id": 7}`))
	}))
	defer srv.Close()

	sub, err := NewSuperPDP(srv.URL, "default-key", 0).Submit(context.Background(), "t1", canonical.Invoice{}, ArtifactsPayload{
		XML: Artifact{Base64: base64.StdEncoding.EncodeToString([]byte("<xml/>"))},
	}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "7", sub.SubmissionID)
}

func TestSuperPDPSubmitRequiresInlineArtifacts(t *testing.T) {
	_, err := NewSuperPDP("http://unused", "", 0).Submit(context.Background(), "t1", canonical.Invoice{}, ArtifactsPayload{
		PDF: Artifact{Key: "only-a-key"},
	}, RequestOptions{})
	require.ErrorIs(t, err, ErrNoInlineArtifacts)
}

func TestSuperPDPSubmitErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad invoice", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewSuperPDP(srv.URL, "", 0).Submit(context.Background(), "t1", canonical.Invoice{}, ArtifactsPayload{
		XML: Artifact{Base64: base64.StdEncoding.EncodeToString([]byte("<x/>"))},
	}, RequestOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422 - bad invoice")
}

func TestSuperPDPGetStatusUsesLatestEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.beta/invoice_events", r.URL.Path)
		assert.Equal(t, "99", r.URL.Query().Get("invoice_id"))
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":[
			{"id":1,"invoice_id":99,"status_code":"fr:200","status_text":"Déposée"},
			{"id":2,"invoice_id":99,"status_code":"api:accepted","status_text":"Accepted"}
		],"has_after":false}`))
	}))
	defer srv.Close()

	st, err := NewSuperPDP(srv.URL, "", 0).GetStatus(context.Background(), "t1", "99", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", st.Status)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(st.Raw, &raw))
	assert.Equal(t, "superpdp", raw["provider"])
	assert.NotNil(t, raw["latest_event"])
}

func TestSuperPDPGetStatusNoEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[],"has_after":false}`))
	}))
	defer srv.Close()

	st, err := NewSuperPDP(srv.URL, "", 0).GetStatus(context.Background(), "t1", "5", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", st.Status)
}

func TestSuperPDPGetStatusRejectsNonNumericID(t *testing.T) {
	_, err := NewSuperPDP("http://unused", "", 0).GetStatus(context.Background(), "t1", "mock-123", RequestOptions{})
	require.Error(t, err)
}
