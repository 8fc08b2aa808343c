package facturx

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

const (
	logoMaxWidth  = 480
	logoMaxHeight = 240
)

// LogoLoader downloads a tenant logo and turns it into an embeddable JPEG.
type LogoLoader struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewLogoLoader builds a loader. Zero values mean 10s and 2 MiB.
func NewLogoLoader(timeout time.Duration, maxBytes int64) *LogoLoader {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &LogoLoader{httpClient: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// Load fetches url and prepares it for the PDF.
func (l *LogoLoader) Load(ctx context.Context, url string) (*Logo, error) {
	data, err := l.download(ctx, url)
	if err != nil {
		return nil, err
	}
	return PrepareLogo(data)
}

func (l *LogoLoader) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download logo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download logo: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read logo: %w", err)
	}
	if int64(len(body)) > l.maxBytes {
		return nil, fmt.Errorf("logo too large (>%d bytes)", l.maxBytes)
	}
	return body, nil
}

// PrepareLogo decodes any supported image, fits it into the logo box,
// flattens transparency onto white and re-encodes it as JPEG.
func PrepareLogo(data []byte) (*Logo, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode logo: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, fmt.Errorf("decode logo: empty image")
	}

	fitted := imaging.Fit(src, logoMaxWidth, logoMaxHeight, imaging.Lanczos)
	bounds := fitted.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, fitted, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode logo: %w", err)
	}
	return &Logo{JPEG: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}
