package queue

import (
	"context"
	"fmt"

	"github.com/finch-technologies/queue-drain/adapters"
	"github.com/finch-technologies/queue-drain/queue/redis"
	"github.com/finch-technologies/queue-drain/queue/sqs"
	"github.com/finch-technologies/queue-drain/queue/types"
	"github.com/finch-technologies/queue-drain/utils"
)

// Transport is the queue a drain cycle receives from and deletes on.
type Transport interface {
	Receive(ctx context.Context, opts types.ReceiveOptions) ([]types.RawMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Counter is implemented by transports that can report their depth.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Sender is implemented by transports that can publish messages.
type Sender interface {
	Send(ctx context.Context, body string, options ...types.SendOptions) (string, error)
}

type QueueDriver string

const (
	QueueDriverRedis QueueDriver = "redis"
	QueueDriverSQS   QueueDriver = "sqs"
)

type QueueConfig struct {
	Driver          QueueDriver
	Url             string
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	EndpointUrl     string
	RedisAddr       string
	RedisPassword   string
	RedisDb         int
	RedisQueueName  string
}

type DrainTransport interface {
	Transport
	Counter
	Sender
}

func New(ctx context.Context, config QueueConfig) (DrainTransport, error) {
	switch config.Driver {
	case QueueDriverRedis:
		rdb := adapters.NewRedisClient(adapters.RedisOptions{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDb,
		})
		return redis.New(rdb, utils.StringOrDefault(config.RedisQueueName, "queue-drain")), nil
	case QueueDriverSQS:
		if config.Url == "" {
			return nil, fmt.Errorf("sqs queue url is required")
		}
		mq, err := sqs.New(ctx, sqs.SQSConfig{
			QueueUrl:        config.Url,
			Region:          config.Region,
			AccessKeyId:     config.AccessKeyId,
			SecretAccessKey: config.SecretAccessKey,
			EndpointUrl:     config.EndpointUrl,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs queue: %w", err)
		}
		return mq, nil
	default:
		return nil, fmt.Errorf("no valid queue driver specified")
	}
}
