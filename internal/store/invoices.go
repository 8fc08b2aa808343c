package store

import (
	"context"
	"encoding/json"
	"fmt"

	"facturx-relay/internal/models"
)

// UpsertInvoiceFromWebhook records the latest webhook payload for a CRM
// invoice. New invoices start as NEW; an existing invoice keeps its status.
// It returns the invoice id.
func (s *Store) UpsertInvoiceFromWebhook(ctx context.Context, tenantID, crmInvoiceID string, raw json.RawMessage) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invoices (tenant_id, crm_invoice_id, status, raw_payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, crm_invoice_id) DO UPDATE
		SET raw_payload = EXCLUDED.raw_payload, updated_at = now()
		RETURNING id::text
	`, tenantID, crmInvoiceID, string(models.InvoiceNew), jsonArg(raw)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert invoice: %w", err)
	}
	return id, nil
}

// GetInvoice loads an invoice owned by tenantID.
func (s *Store) GetInvoice(ctx context.Context, tenantID, invoiceID string) (models.Invoice, error) {
	if !validID(invoiceID) {
		return models.Invoice{}, fmt.Errorf("get invoice: %w", models.ErrNotFound)
	}
	var (
		inv            models.Invoice
		raw, canonical []byte
		status         string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, tenant_id, crm_invoice_id, status, raw_payload, canonical_payload, created_at, updated_at
		FROM invoices WHERE id = $1 AND tenant_id = $2
	`, invoiceID, tenantID).Scan(&inv.ID, &inv.TenantID, &inv.CRMInvoiceID, &status, &raw, &canonical, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return models.Invoice{}, notFound(err, "get invoice")
	}
	inv.Status = models.InvoiceStatus(status)
	inv.RawPayload = raw
	inv.CanonicalPayload = canonical
	return inv, nil
}

// UpdateInvoiceRaw replaces the raw CRM payload and sets status.
func (s *Store) UpdateInvoiceRaw(ctx context.Context, tenantID, invoiceID string, raw json.RawMessage, status models.InvoiceStatus) error {
	return s.execInvoice(ctx, "update raw payload", `
		UPDATE invoices SET raw_payload = COALESCE($3, raw_payload), status = $4, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, invoiceID, tenantID, jsonArg(raw), string(status))
}

// SetInvoiceCanonical stores the canonical payload and sets status.
func (s *Store) SetInvoiceCanonical(ctx context.Context, tenantID, invoiceID string, canonical json.RawMessage, status models.InvoiceStatus) error {
	return s.execInvoice(ctx, "update canonical payload", `
		UPDATE invoices SET canonical_payload = $3, status = $4, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, invoiceID, tenantID, jsonArg(canonical), string(status))
}

// SetInvoiceStatus moves an invoice to status.
func (s *Store) SetInvoiceStatus(ctx context.Context, tenantID, invoiceID string, status models.InvoiceStatus) error {
	return s.execInvoice(ctx, "update invoice status", `
		UPDATE invoices SET status = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, invoiceID, tenantID, string(status))
}

func (s *Store) execInvoice(ctx context.Context, what, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}

// InsertArtifacts appends a rendered artifact pair. The newest row wins.
func (s *Store) InsertArtifacts(ctx context.Context, tenantID string, a models.Artifacts) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoice_artifacts (tenant_id, invoice_id, pdf_key, xml_key, pdf_sha256, xml_sha256)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tenantID, a.InvoiceID, a.PDFKey, a.XMLKey, a.PDFSHA256, a.XMLSHA256)
	if err != nil {
		return fmt.Errorf("insert artifacts: %w", err)
	}
	return nil
}

// LatestArtifacts returns the most recent artifacts of an invoice.
func (s *Store) LatestArtifacts(ctx context.Context, tenantID, invoiceID string) (models.Artifacts, error) {
	if !validID(invoiceID) {
		return models.Artifacts{}, fmt.Errorf("latest artifacts: %w", models.ErrNotFound)
	}
	var a models.Artifacts
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, invoice_id::text, pdf_key, xml_key, pdf_sha256, xml_sha256, created_at
		FROM invoice_artifacts
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, invoiceID).Scan(&a.ID, &a.InvoiceID, &a.PDFKey, &a.XMLKey, &a.PDFSHA256, &a.XMLSHA256, &a.CreatedAt)
	if err != nil {
		return models.Artifacts{}, notFound(err, "latest artifacts")
	}
	return a, nil
}
