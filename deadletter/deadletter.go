package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finch-technologies/queue-drain/storage"
	storagetypes "github.com/finch-technologies/queue-drain/storage/types"
	"github.com/google/uuid"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverLocal Driver = "local"
	DriverS3    Driver = "s3"
)

// Record is the document written for a delivery that could not be decoded.
type Record struct {
	MessageId    string            `json:"messageId"`
	ReceiveCount int               `json:"receiveCount"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Body         string            `json:"body"`
	Reason       string            `json:"reason"`
	FailedAt     time.Time         `json:"failedAt"`
}

// Sink stores dead-lettered deliveries and returns where each one went.
type Sink interface {
	Write(ctx context.Context, record Record) (string, error)
}

type Config struct {
	Driver          Driver
	Bucket          string
	Prefix          string
	Path            string
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	EndpointUrl     string
}

// New builds the configured sink. It returns a nil Sink for the none driver.
func New(ctx context.Context, cfg Config) (Sink, error) {
	var storageCfg storage.StorageConfig

	switch cfg.Driver {
	case DriverNone, "":
		return nil, nil
	case DriverS3:
		storageCfg = storage.StorageConfig{
			Type:            storage.StorageDiskS3,
			Bucket:          cfg.Bucket,
			KeyPrefix:       cfg.Prefix,
			Region:          cfg.Region,
			AccessKeyId:     cfg.AccessKeyId,
			SecretAccessKey: cfg.SecretAccessKey,
			EndpointUrl:     cfg.EndpointUrl,
		}
	case DriverLocal:
		storageCfg = storage.StorageConfig{
			Type:     storage.StorageDiskLocal,
			BasePath: cfg.Path,
		}
	default:
		return nil, fmt.Errorf("invalid dead letter driver %q", cfg.Driver)
	}

	backend, err := storage.New(ctx, storageCfg)
	if err != nil {
		return nil, err
	}

	return NewStorageSink(backend), nil
}

// StorageSink writes each record as a JSON document at <date>/<message id>.json.
type StorageSink struct {
	storage storage.Storage
}

func NewStorageSink(s storage.Storage) *StorageSink {
	return &StorageSink{storage: s}
}

func (s *StorageSink) Write(ctx context.Context, record Record) (string, error) {
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dead letter record: %w", err)
	}

	location, err := s.storage.Upload(ctx, payload, objectKey(record), storagetypes.UploadOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"message-id": record.MessageId,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to write dead letter record %s: %w", record.MessageId, err)
	}

	return location, nil
}

func objectKey(record Record) string {
	id := record.MessageId
	if id == "" {
		id = uuid.New().String()
	}
	id = strings.NewReplacer("/", "_", "\\", "_").Replace(id)

	return fmt.Sprintf("%s/%s.json", record.FailedAt.UTC().Format("2006-01-02"), id)
}
