// Package storage keeps rendered artifacts in object storage: S3 (or any
// S3-compatible endpoint) or a local directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"facturx-relay/internal/config"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("object not found")

// Object describes a stored blob.
type Object struct {
	Key         string
	Location    string
	Size        int
	ContentType string
}

// Store is the artifact storage contract used by the pipeline.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Cleaner removes artifacts older than a cutoff. Both stores implement it.
type Cleaner interface {
	Cleanup(ctx context.Context, prefix string, olderThan time.Time) (int, error)
}

// New picks the store named by cfg.StorageMode.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StorageMode {
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:    cfg.ObjectStoreBucket,
			Region:    cfg.ObjectStoreRegion,
			Endpoint:  cfg.ObjectStoreURL,
			PathStyle: cfg.ObjectStorePath,
		})
	case "filesystem", "":
		return NewLocalStore(cfg.StorageLocalPath), nil
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.StorageMode)
	}
}

// InvoiceKey is where an invoice artifact lives: tenants/{t}/invoices/{i}/facturx.{ext}.
func InvoiceKey(tenantID, invoiceID, ext string) string {
	return path.Join("tenants", tenantID, "invoices", invoiceID, "facturx."+strings.TrimPrefix(ext, "."))
}

// sanitizeKey keeps keys relative and free of parent references.
func sanitizeKey(key string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return clean, nil
}
