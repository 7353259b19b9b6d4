package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/store/dynamo"
	"github.com/finch-technologies/queue-drain/store/memory"
	"github.com/finch-technologies/queue-drain/store/postgres"
	"github.com/finch-technologies/queue-drain/store/types"
)

type StoreDriver string

const (
	StoreDriverDynamo   StoreDriver = "dynamodb"
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverMemory   StoreDriver = "memory"
)

// Store persists queue records. Inserts must be safe to call concurrently
// from several consumers and must not duplicate a record key.
type Store interface {
	// InsertRecords writes the batch and returns how many records were new.
	InsertRecords(ctx context.Context, records []types.QueueRecord) (int, error)
	// InsertRecord returns types.ErrRecordExists when the key is taken.
	InsertRecord(ctx context.Context, record types.QueueRecord) error
	Close() error
}

type StoreConfig struct {
	Driver          StoreDriver
	Table           string
	DatabaseUrl     string
	RunMigrations   bool
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	EndpointUrl     string
}

func New(ctx context.Context, config StoreConfig) (Store, error) {
	log.Debugf("Initializing %s store...", config.Driver)

	switch config.Driver {
	case StoreDriverDynamo:
		return dynamo.New(ctx, dynamo.DynamoConfig{
			TableName:       config.Table,
			Region:          config.Region,
			AccessKeyId:     config.AccessKeyId,
			SecretAccessKey: config.SecretAccessKey,
			EndpointUrl:     config.EndpointUrl,
		})
	case StoreDriverPostgres:
		return postgres.New(ctx, postgres.PostgresConfig{
			DatabaseUrl:   config.DatabaseUrl,
			TableName:     config.Table,
			RunMigrations: config.RunMigrations,
		})
	case StoreDriverMemory:
		return memory.New(), nil
	case "":
		return nil, errors.New("store driver is required")
	default:
		return nil, fmt.Errorf("invalid store driver %q", config.Driver)
	}
}
