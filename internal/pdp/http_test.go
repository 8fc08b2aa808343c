package pdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturx-relay/internal/canonical"
	"facturx-relay/internal/config"
)

func TestHTTPClientSubmitAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Invoice   canonical.Invoice `json:"invoice"`
			Artifacts ArtifactsPayload  `json:"artifacts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "INV-9", body.Invoice.InvoiceNumber)
		assert.Equal(t, "tenants/t/invoices/i/facturx.pdf", body.Artifacts.PDF.Key)
		assert.Equal(t, "Bearer global", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"submissionId":"sub-1"}`))
	})
	mux.HandleFunc("/submissions/sub-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending","raw":{"step":2}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "global", "http", 0)
	sub, err := c.Submit(context.Background(), "t", canonical.Invoice{InvoiceNumber: "INV-9"}, ArtifactsPayload{
		PDF: Artifact{Key: "tenants/t/invoices/i/facturx.pdf"},
	}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.SubmissionID)
	assert.Equal(t, "SUBMITTED", sub.Status)

	st, err := c.GetStatus(context.Background(), "t", "sub-1", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "PENDING", st.Status)
	assert.JSONEq(t, `{"step":2}`, string(st.Raw))
}

func TestNewPicksProvider(t *testing.T) {
	c, err := New(config.Config{PDPProvider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, c)

	c, err = New(config.Config{PDPProvider: "superpdp", PDPBaseURL: "http://x"})
	require.NoError(t, err)
	assert.IsType(t, &SuperPDP{}, c)

	_, err = New(config.Config{PDPProvider: "fax"})
	require.Error(t, err)
}

func TestMockScriptedStatuses(t *testing.T) {
	m := NewMock("PENDING", "PROCESSING")
	ctx := context.Background()
	for _, want := range []string{"PENDING", "PROCESSING", "ACCEPTED", "ACCEPTED"} {
		st, err := m.GetStatus(ctx, "t", "s", RequestOptions{})
		require.NoError(t, err)
		assert.Equal(t, want, st.Status)
	}
	assert.Equal(t, 4, m.Polls())
}
