package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"facturx-relay/internal/idempotency"
)

// ClaimIdempotencyKey records the first sighting of (tenant, step, key). It
// returns false when the key was already claimed.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, tenantID string, step idempotency.Step, key, invoiceID, correlationID string) (bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_keys (tenant_id, step, idempotency_key, invoice_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, step, idempotency_key) DO NOTHING
		RETURNING id::text
	`, tenantID, string(step), key, uuidOrNil(invoiceID), emptyToNil(correlationID)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return true, nil
}
