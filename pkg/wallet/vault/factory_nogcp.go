//go:build !gcp

package vault

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg StoreConfig) (BlobStore, error) {
	return nil, fmt.Errorf("GCS vault storage is not enabled in this build (use -tags gcp)")
}
