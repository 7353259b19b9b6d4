package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/finch-technologies/queue-drain/queue/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestTransport(t *testing.T) (*RedisTransport, *fakeClock) {
	_, client := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(client, "conversions").WithClock(clock.Now), clock
}

var receiveOpts = types.ReceiveOptions{BatchSize: 2, VisibilityTimeout: 30}

func TestSendAndReceive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestTransport(t)

	for _, body := range []string{"one", "two", "three"} {
		_, err := q.Send(ctx, body, types.SendOptions{Attributes: map[string]string{"siteid": "site-a"}})
		require.NoError(t, err)
	}

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	first, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "one", first[0].Body)
	assert.Equal(t, "two", first[1].Body)
	assert.Equal(t, "site-a", first[0].Attributes["siteid"])
	assert.Equal(t, 1, first[0].ApproximateReceiveCount)
	assert.NotEmpty(t, first[0].ReceiptHandle)

	second, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "three", second[0].Body)

	third, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestDeleteRemovesMessage(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestTransport(t)

	_, err := q.Send(ctx, "payload")
	require.NoError(t, err)

	messages, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, q.Delete(ctx, messages[0].ReceiptHandle))

	clock.now = clock.now.Add(time.Hour)

	again, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	assert.Empty(t, again)

	assert.ErrorIs(t, q.Delete(ctx, messages[0].ReceiptHandle), ErrReceiptNotFound)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestTransport(t)

	id, err := q.Send(ctx, "payload")
	require.NoError(t, err)

	first, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.now = clock.now.Add(10 * time.Second)
	hidden, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	assert.Empty(t, hidden, "message must stay hidden during its visibility timeout")

	clock.now = clock.now.Add(25 * time.Second)
	second, err := q.Receive(ctx, receiveOpts)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, id, second[0].MessageId)
	assert.Equal(t, 2, second[0].ApproximateReceiveCount)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	assert.ErrorIs(t, q.Delete(ctx, first[0].ReceiptHandle), ErrReceiptNotFound)
	require.NoError(t, q.Delete(ctx, second[0].ReceiptHandle))
}

func TestReceiveWaitsOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestTransport(t)

	start := time.Now()
	messages, err := q.Receive(ctx, types.ReceiveOptions{BatchSize: 10, WaitTimeSeconds: 1})
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestFailedLeaseRequeuesUnleasedMessages(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	q := New(client, "conversions")

	for _, body := range []string{"one", "two", "three"} {
		_, err := q.Send(ctx, body)
		require.NoError(t, err)
	}

	// a string under the receipts key makes every lease transaction fail
	require.NoError(t, client.Set(ctx, "conversions:receipts", "broken", 0).Err())

	_, err := q.Receive(ctx, types.ReceiveOptions{BatchSize: 3, VisibilityTimeout: 30})
	require.Error(t, err)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, client.Del(ctx, "conversions:receipts").Err())

	messages, err := q.Receive(ctx, types.ReceiveOptions{BatchSize: 3, VisibilityTimeout: 30})
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "one", messages[0].Body)
	assert.Equal(t, "two", messages[1].Body)
	assert.Equal(t, "three", messages[2].Body)
}

func TestCorruptEnvelopeIsQuarantined(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	q := New(client, "conversions")

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		id, err := q.Send(ctx, body)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, client.HSet(ctx, "conversions:messages", ids[1], "{not json").Err())

	messages, err := q.Receive(ctx, types.ReceiveOptions{BatchSize: 3, VisibilityTimeout: 30})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "one", messages[0].Body)
	assert.Equal(t, "three", messages[1].Body)

	assert.Equal(t, "{not json", mr.HGet("conversions:corrupt", ids[1]))
	assert.Empty(t, mr.HGet("conversions:messages", ids[1]))

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
