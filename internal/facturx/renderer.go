package facturx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"facturx-relay/internal/canonical"
)

// Rendered is one Factur-X pair with its digests.
type Rendered struct {
	PDF       []byte
	XML       []byte
	PDFSHA256 string
	XMLSHA256 string
}

type logoSource interface {
	Load(ctx context.Context, url string) (*Logo, error)
}

// Renderer builds Factur-X artifacts. The logo is optional; a logo that
// cannot be loaded is logged and the invoice renders without it.
type Renderer struct {
	logos  logoSource
	logger zerolog.Logger
}

func NewRenderer(logos *LogoLoader, logger zerolog.Logger) *Renderer {
	r := &Renderer{logger: logger}
	if logos != nil {
		r.logos = logos
	}
	return r
}

// Render validates inv and produces the XML and PDF.
func (r *Renderer) Render(ctx context.Context, inv canonical.Invoice, logoURL string) (Rendered, error) {
	if err := inv.Validate(); err != nil {
		return Rendered{}, err
	}
	xml, err := BuildCII(inv)
	if err != nil {
		return Rendered{}, err
	}

	var logo *Logo
	if logoURL != "" && r.logos != nil {
		logo, err = r.logos.Load(ctx, logoURL)
		if err != nil {
			r.logger.Warn().Err(err).Str("tenant_id", inv.TenantID).Str("logo_url", logoURL).Msg("logo skipped")
			logo = nil
		}
	}

	pdf, err := BuildPDF(inv, xml, logo)
	if err != nil {
		return Rendered{}, fmt.Errorf("build pdf: %w", err)
	}
	return Rendered{
		PDF:       pdf,
		XML:       xml,
		PDFSHA256: Digest(pdf),
		XMLSHA256: Digest(xml),
	}, nil
}

// Digest is the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
