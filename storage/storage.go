package storage

import (
	"context"
	"fmt"

	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/storage/filesystem"
	"github.com/finch-technologies/queue-drain/storage/s3"
	"github.com/finch-technologies/queue-drain/storage/types"
)

type Storage interface {
	// Upload writes the object and returns the location it was written to.
	Upload(ctx context.Context, file []byte, key string, options ...types.UploadOptions) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

type StorageType string

const (
	StorageDiskLocal StorageType = "local"
	StorageDiskS3    StorageType = "s3"
)

type StorageConfig struct {
	Type            StorageType
	Bucket          string
	Region          string
	KeyPrefix       string
	BasePath        string
	AccessKeyId     string
	SecretAccessKey string
	EndpointUrl     string
}

func New(ctx context.Context, cfg StorageConfig) (Storage, error) {
	switch cfg.Type {
	case StorageDiskS3:
		log.Debugf("Using S3 storage: %s", cfg.Bucket)
		storage, err := s3.New(ctx, s3.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			KeyPrefix:       cfg.KeyPrefix,
			AccessKeyId:     cfg.AccessKeyId,
			SecretAccessKey: cfg.SecretAccessKey,
			EndpointUrl:     cfg.EndpointUrl,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 storage: %w", err)
		}
		return storage, nil
	case StorageDiskLocal, "":
		log.Debugf("Using local storage: %s", cfg.BasePath)
		storage, err := filesystem.New(filesystem.LocalStorageOptions{BasePath: cfg.BasePath})
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("invalid storage type %q", cfg.Type)
	}
}
