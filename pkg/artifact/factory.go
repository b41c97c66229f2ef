package artifact

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType represents the type of blob storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Type StoreType
	// DataDir is the base directory for the filesystem store.
	DataDir string

	S3  S3StoreConfig
	GCS GCSStoreConfig
}

// DefaultStorageConfig returns a filesystem configuration under ./data.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{Type: StoreTypeFS, DataDir: "data"}
}

// NewBlobStore creates the BlobStore described by cfg.
func NewBlobStore(ctx context.Context, cfg StorageConfig) (BlobStore, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case StoreTypeS3:
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: fs, s3, gcs)", cfg.Type)
	}
}
