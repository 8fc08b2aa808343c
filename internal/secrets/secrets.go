// Package secrets encrypts tenant API keys at rest with AES-256-GCM.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"facturx-relay/internal/models"
)

// Encryption versions stored in tenant_secrets.enc_version.
const (
	VersionPlaintext = 0
	VersionAESGCM    = 1
)

var (
	// ErrNoMasterKey means an encrypted value was read without TENANT_SECRET_KEY.
	ErrNoMasterKey = errors.New("TENANT_SECRET_KEY is not set; cannot decrypt secrets")
	// ErrInvalidMasterKey means TENANT_SECRET_KEY is neither 64 hex chars nor base64 of 32 bytes.
	ErrInvalidMasterKey = errors.New("TENANT_SECRET_KEY must be 64 hex characters or base64 of 32 bytes")

	hexKey = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// Sealed is one encrypted value with its nonce.
type Sealed struct {
	Ciphertext string
	Nonce      string
	Version    int
}

// Cipher seals and opens values. Without a master key it runs in plaintext
// mode and says so on every write.
type Cipher struct {
	aead   cipher.AEAD
	logger zerolog.Logger
}

// ParseMasterKey accepts 64 hex characters or standard base64 of 32 bytes.
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if hexKey.MatchString(raw) {
		return hex.DecodeString(raw)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidMasterKey
	}
	return key, nil
}

// NewCipher builds a cipher from the raw TENANT_SECRET_KEY value. An empty
// value selects plaintext mode and logs a warning.
func NewCipher(rawKey string, logger zerolog.Logger) (*Cipher, error) {
	c := &Cipher{logger: logger}
	if strings.TrimSpace(rawKey) == "" {
		logger.Warn().Bool("insecure", true).Msg("TENANT_SECRET_KEY not set; tenant secrets are stored in plaintext")
		return c, nil
	}
	key, err := ParseMasterKey(rawKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	c.aead = aead
	return c, nil
}

// Plaintext reports whether no master key is configured.
func (c *Cipher) Plaintext() bool { return c.aead == nil }

// Seal encrypts plaintext under a fresh random nonce. The ciphertext carries
// the GCM tag appended, base64 encoded.
func (c *Cipher) Seal(plaintext string) (Sealed, error) {
	if c.aead == nil {
		c.logger.Warn().Bool("insecure", true).Msg("storing tenant secret without encryption")
		return Sealed{Ciphertext: plaintext, Version: VersionPlaintext}, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("nonce: %w", err)
	}
	out := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(out),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Version:    VersionAESGCM,
	}, nil
}

// Open reverses Seal.
func (c *Cipher) Open(ciphertext, nonce string, version int) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if version == VersionPlaintext {
		return ciphertext, nil
	}
	if version != VersionAESGCM {
		return "", fmt.Errorf("unsupported secret version %d", version)
	}
	if c.aead == nil {
		return "", ErrNoMasterKey
	}
	if nonce == "" {
		return "", errors.New("missing nonce for encrypted secret")
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(rawNonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("nonce has %d bytes, want %d", len(rawNonce), c.aead.NonceSize())
	}
	plain, err := c.aead.Open(nil, rawNonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// TenantSecrets are the decrypted API keys of one tenant. Empty means unset.
type TenantSecrets struct {
	CRMAPIKey string
	PDPAPIKey string
}

// SealTenant encrypts both keys, each under its own nonce. Empty keys stay NULL.
func (c *Cipher) SealTenant(tenantID, crmKey, pdpKey string) (models.TenantSecretRow, error) {
	row := models.TenantSecretRow{TenantID: tenantID, EncVersion: VersionPlaintext}
	if !c.Plaintext() {
		row.EncVersion = VersionAESGCM
	}
	seal := func(v string) (*string, *string, error) {
		if v == "" {
			return nil, nil, nil
		}
		s, err := c.Seal(v)
		if err != nil {
			return nil, nil, err
		}
		var nonce *string
		if s.Nonce != "" {
			nonce = &s.Nonce
		}
		return &s.Ciphertext, nonce, nil
	}
	var err error
	if row.CRMKeyEnc, row.CRMNonce, err = seal(crmKey); err != nil {
		return row, fmt.Errorf("seal crm key: %w", err)
	}
	if row.PDPKeyEnc, row.PDPNonce, err = seal(pdpKey); err != nil {
		return row, fmt.Errorf("seal pdp key: %w", err)
	}
	return row, nil
}

// RowReader loads the encrypted row of a tenant.
type RowReader interface {
	GetTenantSecretRow(ctx context.Context, tenantID string) (models.TenantSecretRow, error)
}

// Resolver decrypts tenant secrets on demand.
type Resolver struct {
	rows   RowReader
	cipher *Cipher
}

func NewResolver(rows RowReader, c *Cipher) *Resolver {
	return &Resolver{rows: rows, cipher: c}
}

// TenantSecrets returns empty secrets for a tenant without a row.
func (r *Resolver) TenantSecrets(ctx context.Context, tenantID string) (TenantSecrets, error) {
	row, err := r.rows.GetTenantSecretRow(ctx, tenantID)
	if errors.Is(err, models.ErrNotFound) {
		return TenantSecrets{}, nil
	}
	if err != nil {
		return TenantSecrets{}, fmt.Errorf("load tenant secrets: %w", err)
	}
	crm, err := r.cipher.Open(deref(row.CRMKeyEnc), deref(row.CRMNonce), row.EncVersion)
	if err != nil {
		return TenantSecrets{}, fmt.Errorf("crm key: %w", err)
	}
	pdp, err := r.cipher.Open(deref(row.PDPKeyEnc), deref(row.PDPNonce), row.EncVersion)
	if err != nil {
		return TenantSecrets{}, fmt.Errorf("pdp key: %w", err)
	}
	return TenantSecrets{CRMAPIKey: crm, PDPAPIKey: pdp}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
