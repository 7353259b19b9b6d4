package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/finch-technologies/queue-drain/adapters"
	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/store/types"
	"github.com/finch-technologies/queue-drain/utils"
)

// A transaction holds at most 100 actions.
const maxTransactItems = 100

const (
	reasonNone                   = "None"
	reasonConditionalCheckFailed = "ConditionalCheckFailed"
)

// DynamoAPI is the subset of the dynamodb client used by the store.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type DynamoConfig struct {
	TableName       string
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	EndpointUrl     string
}

type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

func New(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	awsCfg, err := adapters.LoadAWSConfig(ctx, adapters.AwsOptions{
		Region:          cfg.Region,
		AccessKeyId:     cfg.AccessKeyId,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get dynamodb client: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointUrl)
		}
	})

	return NewWithClient(client, cfg.TableName), nil
}

func NewWithClient(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// InsertRecords writes the batch in transactions of up to 100 puts, each
// conditioned on the record key being absent. Records that already exist are
// skipped and the rest of their transaction is retried.
func (d *DynamoStore) InsertRecords(ctx context.Context, records []types.QueueRecord) (int, error) {
	inserted := 0

	for _, chunk := range utils.Chunk(types.UniqueByKey(records), maxTransactItems) {
		n, err := d.insertChunk(ctx, chunk)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}

	return inserted, nil
}

func (d *DynamoStore) insertChunk(ctx context.Context, chunk []types.QueueRecord) (int, error) {
	items, err := d.transactItems(chunk)
	if err != nil {
		return 0, err
	}

	for len(items) > 0 {
		_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err == nil {
			return len(items), nil
		}

		remaining, ok := withoutExisting(items, err)
		if !ok {
			return 0, fmt.Errorf("failed to write records to %s: %w", d.tableName, err)
		}

		log.Debugf("skipping %d existing records in %s", len(items)-len(remaining), d.tableName)
		items = remaining
	}

	return 0, nil
}

// withoutExisting drops the items cancelled only because they already exist.
// It reports false when the cancellation had any other cause.
func withoutExisting(items []ddbtypes.TransactWriteItem, err error) ([]ddbtypes.TransactWriteItem, bool) {
	var cancelled *ddbtypes.TransactionCanceledException
	if !errors.As(err, &cancelled) || len(cancelled.CancellationReasons) != len(items) {
		return nil, false
	}

	remaining := make([]ddbtypes.TransactWriteItem, 0, len(items))
	for i, reason := range cancelled.CancellationReasons {
		switch aws.ToString(reason.Code) {
		case reasonConditionalCheckFailed:
		case reasonNone, "":
			remaining = append(remaining, items[i])
		default:
			return nil, false
		}
	}

	if len(remaining) == len(items) {
		return nil, false
	}

	return remaining, true
}

func (d *DynamoStore) transactItems(records []types.QueueRecord) ([]ddbtypes.TransactWriteItem, error) {
	items := make([]ddbtypes.TransactWriteItem, 0, len(records))

	for _, r := range records {
		item, err := attributevalue.MarshalMap(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record %s: %w", r.RecordKey, err)
		}

		items = append(items, ddbtypes.TransactWriteItem{
			Put: &ddbtypes.Put{
				TableName:           aws.String(d.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(record_key)"),
			},
		})
	}

	return items, nil
}

func (d *DynamoStore) InsertRecord(ctx context.Context, record types.QueueRecord) error {
	record = record.WithKey()

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", record.RecordKey, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(record_key)"),
	})

	var conditionFailed *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return types.ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("failed to put record %s: %w", record.RecordKey, err)
	}

	return nil
}

func (d *DynamoStore) Close() error {
	return nil
}
