package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturx-relay/internal/secrets"
	"facturx-relay/internal/storage"
	"facturx-relay/internal/testutil"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestCreateTenantGeneratesCredentials(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore()
	cipher, err := secrets.NewCipher(testKey, zerolog.Nop())
	require.NoError(t, err)

	created, err := CreateTenant(ctx, st, cipher, TenantSpec{Name: "ACME", CRMLocationID: "loc-1"})
	require.NoError(t, err)
	assert.True(t, created.OK)
	assert.True(t, created.Encrypted)
	assert.NotEmpty(t, created.TenantID)
	assert.Len(t, created.APIToken, 43)
	assert.Len(t, created.WebhookSecret, 43)
	assert.NotEqual(t, created.APIToken, created.WebhookSecret)

	tenant, err := st.GetActiveTenant(ctx, created.TenantID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", tenant.Name)
	assert.Equal(t, "loc-1", tenant.CRMLocationID)
	assert.Equal(t, created.APIToken, tenant.Config.APIToken)

	_, err = st.GetTenantSecretRow(ctx, created.TenantID)
	assert.Error(t, err, "no keys given, no secret row")

	_, err = CreateTenant(ctx, st, cipher, TenantSpec{})
	assert.Error(t, err)
}

func TestCreateTenantSealsKeys(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore()
	cipher, err := secrets.NewCipher(testKey, zerolog.Nop())
	require.NoError(t, err)

	spec := TenantSpec{ID: "t1", Name: "T1"}
	spec.Secrets.CRMAPIKey = "ghl-key"
	spec.Secrets.PDPAPIKey = "pdp-key"
	_, err = CreateTenant(ctx, st, cipher, spec)
	require.NoError(t, err)

	row, err := st.GetTenantSecretRow(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, row.CRMKeyEnc)
	assert.NotEqual(t, "ghl-key", *row.CRMKeyEnc)

	keys, err := secrets.NewResolver(st, cipher).TenantSecrets(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ghl-key", keys.CRMAPIKey)
	assert.Equal(t, "pdp-key", keys.PDPAPIKey)
}

const seedYAML = `
tenants:
  - id: demo
    name: Demo Tenant
    crm_location_id: loc-demo
    config:
      webhook_secret: demo-secret
      logo_url: https://example.com/logo.png
    secrets:
      crm_api_key: demo-crm
  - id: other
    name: Other
`

func TestSeedTenants(t *testing.T) {
	ctx := context.Background()
	seed, err := ParseSeedFile(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Tenants, 2)
	assert.Equal(t, "demo-secret", seed.Tenants[0].Config.WebhookSecret)

	st := testutil.NewStore()
	cipher, err := secrets.NewCipher("", zerolog.Nop())
	require.NoError(t, err)
	ids, err := SeedTenants(ctx, st, cipher, seed)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo", "other"}, ids)

	demo, err := st.GetActiveTenant(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/logo.png", demo.Config.LogoURL)
	assert.Empty(t, demo.Config.APIToken)

	keys, err := secrets.NewResolver(st, cipher).TenantSecrets(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo-crm", keys.CRMAPIKey)
	assert.Empty(t, keys.PDPAPIKey)

	// Seeding twice is an upsert.
	_, err = SeedTenants(ctx, st, cipher, seed)
	require.NoError(t, err)
}

func TestParseSeedFileRejects(t *testing.T) {
	_, err := ParseSeedFile(strings.NewReader("tenants:\n  - name: no id\n"))
	assert.ErrorContains(t, err, "id and name are required")

	_, err = ParseSeedFile(strings.NewReader("tenants:\n  - id: x\n    name: y\n    colour: red\n"))
	assert.Error(t, err)
}

func TestCleanupArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	objects := storage.NewLocalStore(dir)

	oldKey := storage.InvoiceKey("t1", "old", "pdf")
	newKey := storage.InvoiceKey("t1", "new", "pdf")
	_, err := objects.Put(ctx, oldKey, []byte("%PDF-old"), "application/pdf")
	require.NoError(t, err)
	_, err = objects.Put(ctx, newKey, []byte("%PDF-new"), "application/pdf")
	require.NoError(t, err)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, filepath.FromSlash(oldKey)), past, past))

	removed, err := CleanupArtifacts(ctx, objects, "tenants", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = objects.Get(ctx, oldKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = objects.Get(ctx, newKey)
	assert.NoError(t, err)
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()
	for _, path := range [][]string{
		{"migrate"},
		{"tenant", "create"},
		{"tenant", "seed"},
		{"reconcile"},
		{"artifacts", "cleanup"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "tenant")
}
