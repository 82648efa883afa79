package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects a blob storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
	StoreTypeMemory StoreType = "memory"
)

// NewStoreFromEnv builds a store from environment variables.
//
//   - BLOB_STORAGE_TYPE: "fs" (default), "s3", "gcs", or "memory"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - BLOB_S3_BUCKET (required)
//   - BLOB_S3_REGION or AWS_REGION (default "us-east-1")
//   - BLOB_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - BLOB_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - BLOB_GCS_BUCKET (required)
//   - BLOB_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("BLOB_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "blobs"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("blob: unsupported storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("blob: BLOB_S3_BUCKET is required for s3 storage")
	}

	region := os.Getenv("BLOB_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("BLOB_S3_ENDPOINT"),
		Prefix:   os.Getenv("BLOB_S3_PREFIX"),
	})
}
