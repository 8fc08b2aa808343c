package cli

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"facturx-relay/internal/app"
	"facturx-relay/internal/models"
	"facturx-relay/internal/secrets"
)

// TenantWriter persists tenants and their sealed keys.
type TenantWriter interface {
	UpsertTenant(ctx context.Context, t models.Tenant) error
	PutTenantSecrets(ctx context.Context, row models.TenantSecretRow) error
}

// TenantSpec describes one tenant to create or seed.
type TenantSpec struct {
	ID            string              `yaml:"id"`
	Name          string              `yaml:"name"`
	CRMLocationID string              `yaml:"crm_location_id"`
	Config        models.TenantConfig `yaml:"config"`
	Secrets       struct {
		CRMAPIKey string `yaml:"crm_api_key"`
		PDPAPIKey string `yaml:"pdp_api_key"`
	} `yaml:"secrets"`
}

// SeedFile is the YAML document read by `tenant seed`.
type SeedFile struct {
	Tenants []TenantSpec `yaml:"tenants"`
}

// CreatedTenant is printed after a tenant is written. Tokens are only shown
// here, so operators must copy them.
type CreatedTenant struct {
	OK            bool   `json:"ok"`
	TenantID      string `json:"tenantId"`
	LocationID    string `json:"locationId,omitempty"`
	APIToken      string `json:"apiToken,omitempty"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
	Encrypted     bool   `json:"encrypted"`
}

func NewTenantCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantCreateCommand(opts))
	cmd.AddCommand(newTenantSeedCommand(opts))
	return cmd
}

func newTenantCreateCommand(opts *RootOptions) *cobra.Command {
	var spec TenantSpec
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant with a fresh webhook secret and API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cipher, err := app.NewCipher(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			st, err := app.Connect(ctx, opts.cfg, opts.logger, false)
			if err != nil {
				return err
			}
			defer st.Close()

			created, err := CreateTenant(ctx, st, cipher, spec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.ID, "id", "", "tenant id (default: random uuid)")
	f.StringVar(&spec.Name, "name", "", "display name")
	f.StringVar(&spec.CRMLocationID, "location-id", "", "GHL location id")
	f.StringVar(&spec.Config.LogoURL, "logo-url", "", "logo drawn on generated PDFs")
	f.StringVar(&spec.Secrets.CRMAPIKey, "crm-api-key", "", "GHL API key")
	f.StringVar(&spec.Secrets.PDPAPIKey, "pdp-api-key", "", "PDP API key")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newTenantSeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Upsert tenants listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := ParseSeedFile(f)
			if err != nil {
				return err
			}

			cipher, err := app.NewCipher(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			st, err := app.Connect(ctx, opts.cfg, opts.logger, false)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := SeedTenants(ctx, st, cipher, seed)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "tenants": ids})
		},
	}
}

// CreateTenant writes a new active tenant. A webhook secret and API token are
// generated unless spec already carries them.
func CreateTenant(ctx context.Context, w TenantWriter, cipher *secrets.Cipher, spec TenantSpec) (CreatedTenant, error) {
	if spec.Name == "" {
		return CreatedTenant{}, errors.New("tenant name is required")
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	var err error
	if spec.Config.WebhookSecret == "" {
		if spec.Config.WebhookSecret, err = randomToken(32); err != nil {
			return CreatedTenant{}, err
		}
	}
	if spec.Config.APIToken == "" {
		if spec.Config.APIToken, err = randomToken(32); err != nil {
			return CreatedTenant{}, err
		}
	}
	if err := writeTenant(ctx, w, cipher, spec); err != nil {
		return CreatedTenant{}, err
	}
	return CreatedTenant{
		OK:            true,
		TenantID:      spec.ID,
		LocationID:    spec.CRMLocationID,
		APIToken:      spec.Config.APIToken,
		WebhookSecret: spec.Config.WebhookSecret,
		Encrypted:     !cipher.Plaintext(),
	}, nil
}

// ParseSeedFile decodes a seed document. Every tenant needs an id and a name.
func ParseSeedFile(r io.Reader) (SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return seed, fmt.Errorf("parse seed file: %w", err)
	}
	for i, t := range seed.Tenants {
		if t.ID == "" || t.Name == "" {
			return seed, fmt.Errorf("seed tenant %d: id and name are required", i)
		}
	}
	return seed, nil
}

// SeedTenants upserts every tenant of seed and returns their ids.
func SeedTenants(ctx context.Context, w TenantWriter, cipher *secrets.Cipher, seed SeedFile) ([]string, error) {
	ids := make([]string, 0, len(seed.Tenants))
	for _, spec := range seed.Tenants {
		if err := writeTenant(ctx, w, cipher, spec); err != nil {
			return ids, fmt.Errorf("tenant %s: %w", spec.ID, err)
		}
		ids = append(ids, spec.ID)
	}
	return ids, nil
}

func writeTenant(ctx context.Context, w TenantWriter, cipher *secrets.Cipher, spec TenantSpec) error {
	if err := w.UpsertTenant(ctx, models.Tenant{
		ID:            spec.ID,
		Name:          spec.Name,
		Config:        spec.Config,
		CRMLocationID: spec.CRMLocationID,
	}); err != nil {
		return err
	}
	if spec.Secrets.CRMAPIKey == "" && spec.Secrets.PDPAPIKey == "" {
		return nil
	}
	row, err := cipher.SealTenant(spec.ID, spec.Secrets.CRMAPIKey, spec.Secrets.PDPAPIKey)
	if err != nil {
		return err
	}
	return w.PutTenantSecrets(ctx, row)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
