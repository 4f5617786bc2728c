package vault

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType represents the type of vault storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// StoreConfig selects and configures a BlobStore.
type StoreConfig struct {
	Type       StoreType
	DataDir    string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	GCSBucket  string
	GCSPrefix  string
}

// NewStore creates the configured blob store. The filesystem store under
// DataDir/wallets is the default.
func NewStore(ctx context.Context, cfg StoreConfig) (BlobStore, error) {
	switch cfg.Type {
	case StoreTypeFS, "":
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "wallets"))
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3 bucket is required for S3 vault storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported vault storage type: %s", cfg.Type)
	}
}
