package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturx-relay/internal/idempotency"
	"facturx-relay/internal/models"
)

// openTestStore connects to RELAY_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.WaitReady(ctx, 10, 200*time.Millisecond))
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func seedTenant(t *testing.T, s *Store) string {
	t.Helper()
	id := "tenant-" + uuid.NewString()[:8]
	require.NoError(t, s.UpsertTenant(context.Background(), models.Tenant{
		ID:     id,
		Name:   "Test tenant",
		Config: models.TenantConfig{WebhookSecret: "whsec", LogoURL: "https://example.test/logo.png"},
	}))
	return id
}

func TestClampAuditLimit(t *testing.T) {
	cases := map[int]int{-5: 1, 0: 1, 1: 1, 50: 50, 500: 500, 501: 500, 10000: 500}
	for in, want := range cases {
		assert.Equal(t, want, ClampAuditLimit(in), "limit %d", in)
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	body, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	for _, table := range []string{"jobs", "tenants", "tenant_secrets", "invoices", "invoice_artifacts", "pdp_submissions", "audit_log", "idempotency_keys"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestTenantsAndSecrets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenantID := seedTenant(t, s)

	tenant, err := s.GetActiveTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "whsec", tenant.Config.WebhookSecret)

	_, err = s.GetActiveTenant(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.UpsertTenant(ctx, models.Tenant{ID: tenantID, Name: "Paused", Status: "suspended"}))
	_, err = s.GetActiveTenant(ctx, tenantID)
	require.ErrorIs(t, err, models.ErrNotFound)

	enc, nonce := "ciphertext", "nonce"
	require.NoError(t, s.PutTenantSecrets(ctx, models.TenantSecretRow{TenantID: tenantID, CRMKeyEnc: &enc, CRMNonce: &nonce, EncVersion: 1}))
	row, err := s.GetTenantSecretRow(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, row.CRMKeyEnc)
	assert.Equal(t, enc, *row.CRMKeyEnc)
	assert.Nil(t, row.PDPKeyEnc)
	assert.Equal(t, 1, row.EncVersion)
}

func TestInvoiceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenantID := seedTenant(t, s)

	id, err := s.UpsertInvoiceFromWebhook(ctx, tenantID, "crm-1", json.RawMessage(`{"id":"crm-1"}`))
	require.NoError(t, err)
	again, err := s.UpsertInvoiceFromWebhook(ctx, tenantID, "crm-1", json.RawMessage(`{"id":"crm-1","v":2}`))
	require.NoError(t, err)
	assert.Equal(t, id, again, "same CRM invoice maps to one row")

	require.NoError(t, s.UpdateInvoiceRaw(ctx, tenantID, id, nil, models.InvoiceFetched))
	inv, err := s.GetInvoice(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceFetched, inv.Status)
	assert.JSONEq(t, `{"id":"crm-1","v":2}`, string(inv.RawPayload), "empty fetch keeps stored payload")

	require.NoError(t, s.SetInvoiceCanonical(ctx, tenantID, id, json.RawMessage(`{"invoiceNumber":"1"}`), models.InvoiceMapped))
	_, err = s.UpsertInvoiceFromWebhook(ctx, tenantID, "crm-1", json.RawMessage(`{"id":"crm-1","v":3}`))
	require.NoError(t, err)
	inv, err = s.GetInvoice(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceMapped, inv.Status, "later webhook keeps pipeline status")
	assert.JSONEq(t, `{"id":"crm-1","v":3}`, string(inv.RawPayload))

	_, err = s.GetInvoice(ctx, "other-tenant", id)
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetInvoice(ctx, tenantID, "not-a-uuid")
	require.ErrorIs(t, err, models.ErrNotFound)
	require.ErrorIs(t, s.SetInvoiceStatus(ctx, "other-tenant", id, models.InvoicePaid), models.ErrNotFound)

	require.NoError(t, s.InsertArtifacts(ctx, tenantID, models.Artifacts{InvoiceID: id, PDFKey: "a.pdf", XMLKey: "a.xml", PDFSHA256: "p1", XMLSHA256: "x1"}))
	require.NoError(t, s.InsertArtifacts(ctx, tenantID, models.Artifacts{InvoiceID: id, PDFKey: "b.pdf", XMLKey: "b.xml", PDFSHA256: "p2", XMLSHA256: "x2"}))
	art, err := s.LatestArtifacts(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, "b.pdf", art.PDFKey)
}

func TestSubmissionsAndStaleListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenantID := seedTenant(t, s)

	id, err := s.UpsertInvoiceFromWebhook(ctx, tenantID, "crm-"+uuid.NewString(), json.RawMessage(`{}`))
	require.NoError(t, err)

	sub := models.Submission{TenantID: tenantID, InvoiceID: id, Provider: "mock", SubmissionID: "sub-1", Status: "SUBMITTED"}
	require.NoError(t, s.UpsertSubmission(ctx, sub))

	stale, err := s.ListStaleSubmissions(ctx, []string{"SUBMITTED"}, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	found := false
	for _, st := range stale {
		if st.InvoiceID == id {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, s.RecordSubmissionError(ctx, sub, "timeout"))
	got, err := s.LatestSubmission(ctx, tenantID, id)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "timeout", *got.LastError)

	sub.Status = "ACCEPTED"
	sub.StatusRaw = json.RawMessage(`{"status":"ACCEPTED"}`)
	require.NoError(t, s.RecordSubmissionStatus(ctx, sub))
	got, err = s.LatestSubmission(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", got.Status)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.LastCheckedAt)
}

func TestAuditAndIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenantID := seedTenant(t, s)
	id, err := s.UpsertInvoiceFromWebhook(ctx, tenantID, "crm-"+uuid.NewString(), json.RawMessage(`{}`))
	require.NoError(t, err)

	for _, evType := range []string{"webhook.received", "fetch_invoice.completed"} {
		require.NoError(t, s.InsertAuditEvent(ctx, models.AuditEvent{
			TenantID: tenantID, CorrelationID: "corr", Actor: "worker", EventType: evType,
			Payload: map[string]any{"k": evType}, PayloadHash: "h", InvoiceID: id,
		}))
	}
	events, err := s.ListAuditEvents(ctx, tenantID, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "limit clamps to 1")
	assert.Equal(t, "webhook.received", events[0].EventType)

	events, err = s.ListAuditEvents(ctx, tenantID, id, 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "fetch_invoice.completed", events[1].Payload["k"])

	key := idempotency.BuildKey(idempotency.StepWebhook, tenantID, "evt-1")
	first, err := s.ClaimIdempotencyKey(ctx, tenantID, idempotency.StepWebhook, key, id, "corr")
	require.NoError(t, err)
	assert.True(t, first)
	second, err := s.ClaimIdempotencyKey(ctx, tenantID, idempotency.StepWebhook, key, "", "")
	require.NoError(t, err)
	assert.False(t, second)
}
