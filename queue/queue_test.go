package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/finch-technologies/queue-drain/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name        string
		config      QueueConfig
		expectError bool
	}{
		{
			name:   "redis driver",
			config: QueueConfig{Driver: QueueDriverRedis, RedisAddr: mr.Addr()},
		},
		{
			name:   "sqs driver",
			config: QueueConfig{Driver: QueueDriverSQS, Url: "https://sqs.af-south-1.amazonaws.com/1/q", Region: "af-south-1"},
		},
		{
			name:        "sqs driver without url",
			config:      QueueConfig{Driver: QueueDriverSQS},
			expectError: true,
		},
		{
			name:        "unknown driver",
			config:      QueueConfig{Driver: "kafka"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := New(context.Background(), tt.config)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, transport)
		})
	}
}

func TestRedisDriverRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	transport, err := New(ctx, QueueConfig{Driver: QueueDriverRedis, RedisAddr: mr.Addr(), RedisQueueName: "drain-test"})
	require.NoError(t, err)

	_, err = transport.Send(ctx, `{"objectkey":"k"}`, types.SendOptions{Attributes: map[string]string{"siteid": "s"}})
	require.NoError(t, err)

	messages, err := transport.Receive(ctx, types.ReceiveOptions{BatchSize: 10, VisibilityTimeout: 60})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NoError(t, transport.Delete(ctx, messages[0].ReceiptHandle))

	count, err := transport.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
