package blob

import (
	"context"
	"fmt"
	"time"

	"receipt-ocr-pipeline/internal/config"
)

// Store is the object storage used for receipt images. ReadLink returns a
// self-authenticating URL usable by any HTTP client for at most ttl. Links
// must be minted at dispatch time, never cached across retries.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	ReadLink(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Open builds the configured storage backend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.BlobStore {
	case "s3":
		return NewS3(ctx, cfg)
	case "minio":
		return NewMinio(cfg)
	default:
		return nil, fmt.Errorf("unknown blob store %q", cfg.BlobStore)
	}
}
