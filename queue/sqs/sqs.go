package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/finch-technologies/queue-drain/adapters"
	"github.com/finch-technologies/queue-drain/queue/types"
)

// SQSAPI is the subset of the sqs client used by the transport.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

type SQSConfig struct {
	QueueUrl        string
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	EndpointUrl     string
}

// SQSTransport drains a single SQS queue.
type SQSTransport struct {
	client   SQSAPI
	queueUrl string
}

func New(ctx context.Context, cfg SQSConfig) (*SQSTransport, error) {
	if cfg.QueueUrl == "" {
		return nil, errors.New("sqs queue url is required")
	}

	awsCfg, err := adapters.LoadAWSConfig(ctx, adapters.AwsOptions{
		Region:          cfg.Region,
		AccessKeyId:     cfg.AccessKeyId,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointUrl)
		}
	})

	return NewWithClient(client, cfg.QueueUrl), nil
}

func NewWithClient(client SQSAPI, queueUrl string) *SQSTransport {
	return &SQSTransport{client: client, queueUrl: queueUrl}
}

func (q *SQSTransport) QueueUrl() string {
	return q.queueUrl
}

// Receive performs one ReceiveMessage call.
func (q *SQSTransport) Receive(ctx context.Context, opts types.ReceiveOptions) ([]types.RawMessage, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueUrl),
		MaxNumberOfMessages: int32(opts.BatchSize),
		VisibilityTimeout:   int32(opts.VisibilityTimeout),
		WaitTimeSeconds:     int32(opts.WaitTimeSeconds),
		MessageAttributeNames: []string{
			string(sqstypes.QueueAttributeNameAll),
		},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameAll,
		},
	}

	// The receive is not cancelled with the parent context: once SQS has handed
	// out messages they stay invisible until the visibility timeout expires.
	resp, err := q.client.ReceiveMessage(context.WithoutCancel(ctx), input)

	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}

	if len(resp.Messages) == 0 {
		return nil, nil
	}

	now := time.Now()
	messages := make([]types.RawMessage, 0, len(resp.Messages))
	for _, message := range resp.Messages {
		approximateReceiveCount := 0
		if countStr, ok := message.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if count, err := strconv.Atoi(countStr); err == nil {
				approximateReceiveCount = count
			}
		}

		messages = append(messages, types.RawMessage{
			MessageId:               aws.ToString(message.MessageId),
			ReceiptHandle:           aws.ToString(message.ReceiptHandle),
			Body:                    aws.ToString(message.Body),
			Attributes:              messageAttributes(message.MessageAttributes),
			ReceivedAt:              now,
			ApproximateReceiveCount: approximateReceiveCount,
		})
	}

	return messages, nil
}

func messageAttributes(attrs map[string]sqstypes.MessageAttributeValue) map[string]string {
	result := make(map[string]string, len(attrs))
	for name, value := range attrs {
		if value.StringValue != nil {
			result[name] = *value.StringValue
		}
	}
	return result
}

// Delete removes a delivery using its receipt handle.
func (q *SQSTransport) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueUrl),
		ReceiptHandle: aws.String(receiptHandle),
	})

	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return nil
}

// Send publishes a message with string attributes. Used to seed queues.
func (q *SQSTransport) Send(ctx context.Context, body string, options ...types.SendOptions) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueUrl),
		MessageBody: aws.String(body),
	}

	if len(options) > 0 && len(options[0].Attributes) > 0 {
		input.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(options[0].Attributes))
		for name, value := range options[0].Attributes {
			input.MessageAttributes[name] = sqstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(value),
			}
		}
	}

	resp, err := q.client.SendMessage(ctx, input)

	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	return aws.ToString(resp.MessageId), nil
}

// Count returns the approximate number of visible messages in the queue.
func (q *SQSTransport) Count(ctx context.Context) (int, error) {
	resp, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueUrl),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
		},
	})

	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	countStr := resp.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)]
	if countStr == "" {
		return 0, errors.New("queue attribute not found")
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid queue depth %q: %w", countStr, err)
	}

	return count, nil
}
