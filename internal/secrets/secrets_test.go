package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facturx-relay/internal/models"
)

const testHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestParseMasterKey(t *testing.T) {
	k, err := ParseMasterKey(testHexKey)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	b64 := base64.StdEncoding.EncodeToString(k)
	k2, err := ParseMasterKey(" " + b64 + "\n")
	require.NoError(t, err)
	assert.Equal(t, k, k2)

	_, err = ParseMasterKey("short")
	require.ErrorIs(t, err, ErrInvalidMasterKey)
	_, err = ParseMasterKey(base64.StdEncoding.EncodeToString([]byte("sixteen byte key")))
	require.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestSealOpenRoundTripUsesFreshNonces(t *testing.T) {
	c, err := NewCipher(testHexKey, zerolog.Nop())
	require.NoError(t, err)

	a, err := c.Seal("crm-secret")
	require.NoError(t, err)
	b, err := c.Seal("crm-secret")
	require.NoError(t, err)

	assert.Equal(t, VersionAESGCM, a.Version)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotContains(t, a.Ciphertext, "crm-secret")

	plain, err := c.Open(a.Ciphertext, a.Nonce, a.Version)
	require.NoError(t, err)
	assert.Equal(t, "crm-secret", plain)

	_, err = c.Open(a.Ciphertext, b.Nonce, a.Version)
	require.Error(t, err, "wrong nonce must fail authentication")
}

func TestPlaintextModeWarns(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	c, err := NewCipher("", logger)
	require.NoError(t, err)
	assert.True(t, c.Plaintext())

	s, err := c.Seal("visible")
	require.NoError(t, err)
	assert.Equal(t, Sealed{Ciphertext: "visible", Version: VersionPlaintext}, s)

	out := logs.String()
	assert.Equal(t, 2, strings.Count(out, `"insecure":true`), "startup and every write warn")
	assert.Contains(t, out, `"level":"warn"`)
}

func TestOpenEncryptedWithoutKey(t *testing.T) {
	keyed, err := NewCipher(testHexKey, zerolog.Nop())
	require.NoError(t, err)
	s, err := keyed.Seal("x")
	require.NoError(t, err)

	plain, err := NewCipher("", zerolog.Nop())
	require.NoError(t, err)
	_, err = plain.Open(s.Ciphertext, s.Nonce, s.Version)
	require.ErrorIs(t, err, ErrNoMasterKey)
}

func TestNewCipherRejectsBadKey(t *testing.T) {
	_, err := NewCipher("not-a-key", zerolog.Nop())
	require.ErrorIs(t, err, ErrInvalidMasterKey)
}

type fakeRows map[string]models.TenantSecretRow

func (f fakeRows) GetTenantSecretRow(_ context.Context, tenantID string) (models.TenantSecretRow, error) {
	row, ok := f[tenantID]
	if !ok {
		return models.TenantSecretRow{}, models.ErrNotFound
	}
	return row, nil
}

func TestResolver(t *testing.T) {
	c, err := NewCipher(testHexKey, zerolog.Nop())
	require.NoError(t, err)

	row, err := c.SealTenant("t1", "crm-key", "pdp-key")
	require.NoError(t, err)
	require.NotNil(t, row.CRMNonce)
	require.NotNil(t, row.PDPNonce)
	assert.NotEqual(t, *row.CRMNonce, *row.PDPNonce)

	onlyCRM, err := c.SealTenant("t2", "crm-only", "")
	require.NoError(t, err)
	assert.Nil(t, onlyCRM.PDPKeyEnc)

	r := NewResolver(fakeRows{"t1": row, "t2": onlyCRM}, c)
	got, err := r.TenantSecrets(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, TenantSecrets{CRMAPIKey: "crm-key", PDPAPIKey: "pdp-key"}, got)

	got, err = r.TenantSecrets(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, TenantSecrets{CRMAPIKey: "crm-only"}, got)

	got, err = r.TenantSecrets(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, TenantSecrets{}, got)
}
