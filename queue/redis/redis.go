package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/finch-technologies/queue-drain/queue/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrReceiptNotFound = errors.New("receipt handle not found or lease expired")

// RedisTransport emulates SQS visibility leases on top of redis.
//
// Keys, all prefixed with the queue name:
//
//	:pending   list of message ids waiting for delivery
//	:messages  hash of message id -> envelope
//	:inflight  sorted set of receipt handle scored by lease deadline (unix ms)
//	:receipts  hash of receipt handle -> message id
//	:corrupt   hash of message id -> envelope that could not be decoded
type RedisTransport struct {
	rdb  *redis.Client
	name string
	now  func() time.Time
}

type envelope struct {
	MessageId    string            `json:"messageId"`
	Body         string            `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ReceiveCount int               `json:"receiveCount"`
}

func New(rdb *redis.Client, queueName string) *RedisTransport {
	return &RedisTransport{
		rdb:  rdb,
		name: queueName,
		now:  time.Now,
	}
}

// WithClock replaces the clock used for lease deadlines.
func (q *RedisTransport) WithClock(now func() time.Time) *RedisTransport {
	q.now = now
	return q
}

func (q *RedisTransport) key(suffix string) string {
	return q.name + ":" + suffix
}

func (q *RedisTransport) Send(ctx context.Context, body string, options ...types.SendOptions) (string, error) {
	env := envelope{
		MessageId: uuid.New().String(),
		Body:      body,
	}

	if len(options) > 0 {
		env.Attributes = options[0].Attributes
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("messages"), env.MessageId, payload)
		pipe.LPush(ctx, q.key("pending"), env.MessageId)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to push to the queue: %w", err)
	}

	return env.MessageId, nil
}

func (q *RedisTransport) Receive(ctx context.Context, opts types.ReceiveOptions) ([]types.RawMessage, error) {
	if err := q.requeueExpired(ctx); err != nil {
		return nil, err
	}

	batchSize := max(opts.BatchSize, 1)

	ids, err := q.rdb.RPopCount(ctx, q.key("pending"), batchSize).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get item from queue: %w", err)
	}

	if len(ids) == 0 && opts.WaitTimeSeconds > 0 {
		ids, err = q.waitForMessages(ctx, batchSize, time.Duration(opts.WaitTimeSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
	}

	messages := make([]types.RawMessage, 0, len(ids))
	for i, id := range ids {
		message, ok, err := q.lease(ctx, id, time.Duration(opts.VisibilityTimeout)*time.Second)
		if err != nil {
			if requeueErr := q.requeue(ctx, ids[i:]); requeueErr != nil {
				return nil, errors.Join(err, requeueErr)
			}
			return nil, err
		}
		if ok {
			messages = append(messages, message)
		}
	}

	return messages, nil
}

// requeue puts popped but unleased ids back at the head of the pending list,
// in the order they were popped.
func (q *RedisTransport) requeue(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	head := make([]any, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		head = append(head, ids[i])
	}

	// the lease context may be the reason the lease failed
	if err := q.rdb.RPush(context.WithoutCancel(ctx), q.key("pending"), head...).Err(); err != nil {
		return fmt.Errorf("failed to requeue %d messages: %w", len(ids), err)
	}

	return nil
}

func (q *RedisTransport) waitForMessages(ctx context.Context, batchSize int, wait time.Duration) ([]string, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.key("pending")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wait for queue items: %w", err)
	}

	// BRPOP replies with [key, value]
	ids := []string{res[1]}

	if batchSize > 1 {
		more, err := q.rdb.RPopCount(ctx, q.key("pending"), batchSize-1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to get item from queue: %w", err)
		}
		ids = append(ids, more...)
	}

	return ids, nil
}

func (q *RedisTransport) lease(ctx context.Context, id string, visibility time.Duration) (types.RawMessage, bool, error) {
	raw, err := q.rdb.HGet(ctx, q.key("messages"), id).Result()
	if errors.Is(err, redis.Nil) {
		// deleted while pending
		return types.RawMessage{}, false, nil
	}
	if err != nil {
		return types.RawMessage{}, false, fmt.Errorf("failed to load message %s: %w", id, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// an unreadable envelope can never be leased; park it instead of
		// blocking every later receive
		if err := q.quarantine(ctx, id, raw); err != nil {
			return types.RawMessage{}, false, err
		}
		return types.RawMessage{}, false, nil
	}
	env.ReceiveCount++

	payload, err := json.Marshal(env)
	if err != nil {
		return types.RawMessage{}, false, fmt.Errorf("failed to marshal message: %w", err)
	}

	now := q.now()
	handle := uuid.New().String()
	deadline := now.Add(visibility).UnixMilli()

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("messages"), id, payload)
		pipe.HSet(ctx, q.key("receipts"), handle, id)
		pipe.ZAdd(ctx, q.key("inflight"), redis.Z{Score: float64(deadline), Member: handle})
		return nil
	})
	if err != nil {
		return types.RawMessage{}, false, fmt.Errorf("failed to lease message %s: %w", id, err)
	}

	return types.RawMessage{
		MessageId:               env.MessageId,
		ReceiptHandle:           handle,
		Body:                    env.Body,
		Attributes:              env.Attributes,
		ReceivedAt:              now,
		ApproximateReceiveCount: env.ReceiveCount,
	}, true, nil
}

// quarantine moves a corrupt envelope out of the message hash into :corrupt.
func (q *RedisTransport) quarantine(ctx context.Context, id, raw string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("corrupt"), id, raw)
		pipe.HDel(ctx, q.key("messages"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine message %s: %w", id, err)
	}
	return nil
}

// requeueExpired returns deliveries whose lease has run out to the pending list.
func (q *RedisTransport) requeueExpired(ctx context.Context) error {
	handles, err := q.rdb.ZRangeByScore(ctx, q.key("inflight"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read expired leases: %w", err)
	}

	for _, handle := range handles {
		// only the consumer that removes the lease requeues it
		removed, err := q.rdb.ZRem(ctx, q.key("inflight"), handle).Result()
		if err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
		if removed == 0 {
			continue
		}

		id, err := q.rdb.HGet(ctx, q.key("receipts"), handle).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to resolve receipt handle: %w", err)
		}

		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, q.key("receipts"), handle)
			pipe.RPush(ctx, q.key("pending"), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to requeue message %s: %w", id, err)
		}
	}

	return nil
}

func (q *RedisTransport) Delete(ctx context.Context, receiptHandle string) error {
	id, err := q.rdb.HGet(ctx, q.key("receipts"), receiptHandle).Result()
	if errors.Is(err, redis.Nil) {
		return ErrReceiptNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve receipt handle: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("inflight"), receiptHandle)
		pipe.HDel(ctx, q.key("receipts"), receiptHandle)
		pipe.HDel(ctx, q.key("messages"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}

	return nil
}

// Count returns the number of messages waiting for delivery.
func (q *RedisTransport) Count(ctx context.Context) (int, error) {
	count, err := q.rdb.LLen(ctx, q.key("pending")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return int(count), nil
}

// Close releases the underlying redis client.
func (q *RedisTransport) Close() error {
	return q.rdb.Close()
}
