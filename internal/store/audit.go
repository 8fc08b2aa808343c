package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"facturx-relay/internal/models"
)

// MaxAuditLimit caps audit listings.
const MaxAuditLimit = 500

// InsertAuditEvent appends an audit row. Payload hash is computed by the caller.
func (s *Store) InsertAuditEvent(ctx context.Context, ev models.AuditEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, correlation_id, actor, event_type, payload, payload_hash, invoice_id, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.TenantID, ev.CorrelationID, ev.Actor, ev.EventType, payload, ev.PayloadHash,
		uuidOrNil(ev.InvoiceID), uuidOrNil(ev.JobID))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the audit trail of an invoice in chronological
// order. limit is clamped to [1, MaxAuditLimit].
func (s *Store) ListAuditEvents(ctx context.Context, tenantID, invoiceID string, limit int) ([]models.AuditEvent, error) {
	if !validID(invoiceID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, tenant_id, correlation_id, actor, event_type, payload, payload_hash,
		       invoice_id::text, job_id::text, created_at
		FROM audit_log
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY created_at ASC
		LIMIT $3
	`, tenantID, invoiceID, ClampAuditLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var (
			ev           models.AuditEvent
			payload      []byte
			invoice, job pgtype.Text
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.CorrelationID, &ev.Actor, &ev.EventType, &payload, &ev.PayloadHash, &invoice, &job, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		ev.InvoiceID = invoice.String
		ev.JobID = job.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClampAuditLimit bounds limit to [1, MaxAuditLimit].
func ClampAuditLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxAuditLimit {
		return MaxAuditLimit
	}
	return limit
}

func uuidOrNil(id string) *string {
	if !validID(id) {
		return nil
	}
	return &id
}
