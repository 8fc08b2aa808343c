package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"facturx-relay/internal/models"
)

const submissionColumns = `id::text, tenant_id, invoice_id::text, provider, submission_id, status, status_raw, last_error, last_checked_at, updated_at`

// UpsertSubmission records a submission, replacing the previous one for the
// same (tenant, invoice, provider).
func (s *Store) UpsertSubmission(ctx context.Context, sub models.Submission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pdp_submissions (tenant_id, invoice_id, provider, submission_id, status, status_raw, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id, invoice_id, provider) DO UPDATE
		SET submission_id = EXCLUDED.submission_id, status = EXCLUDED.status, status_raw = EXCLUDED.status_raw,
		    last_error = NULL, last_checked_at = now(), updated_at = now()
	`, sub.TenantID, sub.InvoiceID, sub.Provider, sub.SubmissionID, sub.Status, jsonArg(sub.StatusRaw))
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}
	return nil
}

// LatestSubmission returns the most recently updated submission of an invoice.
func (s *Store) LatestSubmission(ctx context.Context, tenantID, invoiceID string) (models.Submission, error) {
	if !validID(invoiceID) {
		return models.Submission{}, fmt.Errorf("latest submission: %w", models.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+submissionColumns+`
		FROM pdp_submissions
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY updated_at DESC LIMIT 1
	`, tenantID, invoiceID)
	sub, err := scanSubmission(row)
	if err != nil {
		return models.Submission{}, notFound(err, "latest submission")
	}
	return sub, nil
}

// RecordSubmissionStatus stores a polled status and clears the last error.
func (s *Store) RecordSubmissionStatus(ctx context.Context, sub models.Submission) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pdp_submissions
		SET status = $4, status_raw = $5, last_error = NULL, last_checked_at = now(), updated_at = now()
		WHERE tenant_id = $1 AND provider = $2 AND submission_id = $3
	`, sub.TenantID, sub.Provider, sub.SubmissionID, sub.Status, jsonArg(sub.StatusRaw))
	if err != nil {
		return fmt.Errorf("record submission status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record submission status: %w", models.ErrNotFound)
	}
	return nil
}

// RecordSubmissionError stores a poll failure without touching the status.
func (s *Store) RecordSubmissionError(ctx context.Context, sub models.Submission, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pdp_submissions
		SET last_error = $4, last_checked_at = now(), updated_at = now()
		WHERE tenant_id = $1 AND provider = $2 AND submission_id = $3
	`, sub.TenantID, sub.Provider, sub.SubmissionID, message)
	if err != nil {
		return fmt.Errorf("record submission error: %w", err)
	}
	return nil
}

// ListStaleSubmissions returns submissions in one of statuses that were never
// checked or last checked before olderThan, oldest first.
func (s *Store) ListStaleSubmissions(ctx context.Context, statuses []string, olderThan time.Time, limit int) ([]models.Submission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+submissionColumns+`
		FROM pdp_submissions
		WHERE status = ANY($1) AND (last_checked_at IS NULL OR last_checked_at < $2)
		ORDER BY last_checked_at NULLS FIRST, updated_at ASC
		LIMIT $3
	`, statuses, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var (
		sub     models.Submission
		raw     []byte
		lastErr pgtype.Text
		checked pgtype.Timestamptz
	)
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.InvoiceID, &sub.Provider, &sub.SubmissionID, &sub.Status, &raw, &lastErr, &checked, &sub.UpdatedAt); err != nil {
		return models.Submission{}, err
	}
	sub.StatusRaw = json.RawMessage(raw)
	sub.LastError = textPtr(lastErr)
	if checked.Valid {
		t := checked.Time
		sub.LastCheckedAt = &t
	}
	return sub, nil
}
