package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"facturx-relay/internal/models"
)

// TenantActive is the only status under which a tenant resolves.
const TenantActive = "active"

// GetActiveTenant loads an active tenant by id.
func (s *Store) GetActiveTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	var (
		t         models.Tenant
		configRaw []byte
		location  pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, status, config, crm_location_id
		FROM tenants WHERE id = $1 AND status = $2
	`, tenantID, TenantActive).Scan(&t.ID, &t.Name, &t.Status, &configRaw, &location)
	if err != nil {
		return models.Tenant{}, notFound(err, "get tenant")
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &t.Config); err != nil {
			return models.Tenant{}, fmt.Errorf("decode tenant config: %w", err)
		}
	}
	if location.Valid {
		t.CRMLocationID = location.String
	}
	return t, nil
}

// UpsertTenant creates a tenant or replaces its name, status and config.
func (s *Store) UpsertTenant(ctx context.Context, t models.Tenant) error {
	if t.Status == "" {
		t.Status = TenantActive
	}
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, status, config, crm_location_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status, config = EXCLUDED.config,
		    crm_location_id = EXCLUDED.crm_location_id, updated_at = now()
	`, t.ID, t.Name, t.Status, configJSON, emptyToNil(t.CRMLocationID))
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// PutTenantSecrets stores the already encrypted keys of a tenant.
func (s *Store) PutTenantSecrets(ctx context.Context, row models.TenantSecretRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_secrets (tenant_id, crm_api_key_enc, pdp_api_key_enc, crm_nonce, pdp_nonce, enc_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE
		SET crm_api_key_enc = EXCLUDED.crm_api_key_enc, pdp_api_key_enc = EXCLUDED.pdp_api_key_enc,
		    crm_nonce = EXCLUDED.crm_nonce, pdp_nonce = EXCLUDED.pdp_nonce,
		    enc_version = EXCLUDED.enc_version, updated_at = now()
	`, row.TenantID, row.CRMKeyEnc, row.PDPKeyEnc, row.CRMNonce, row.PDPNonce, row.EncVersion)
	if err != nil {
		return fmt.Errorf("put tenant secrets: %w", err)
	}
	return nil
}

// GetTenantSecretRow returns the encrypted keys of a tenant.
func (s *Store) GetTenantSecretRow(ctx context.Context, tenantID string) (models.TenantSecretRow, error) {
	var (
		row                      models.TenantSecretRow
		crm, pdp, crmNon, pdpNon pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, crm_api_key_enc, pdp_api_key_enc, crm_nonce, pdp_nonce, enc_version
		FROM tenant_secrets WHERE tenant_id = $1
	`, tenantID).Scan(&row.TenantID, &crm, &pdp, &crmNon, &pdpNon, &row.EncVersion)
	if err != nil {
		return models.TenantSecretRow{}, notFound(err, "get tenant secrets")
	}
	row.CRMKeyEnc = textPtr(crm)
	row.PDPKeyEnc = textPtr(pdp)
	row.CRMNonce = textPtr(crmNon)
	row.PDPNonce = textPtr(pdpNon)
	return row, nil
}
