//go:build gcp

package vault

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg StoreConfig) (BlobStore, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("GCS bucket is required for GCS vault storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
