package drain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/finch-technologies/queue-drain/deadletter"
	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/queue/types"
	"github.com/finch-technologies/queue-drain/store/memory"
	storetypes "github.com/finch-technologies/queue-drain/store/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const localSite = "site-a"

var testNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

// fakeTransport replays scripted batches and records every call in order.
type fakeTransport struct {
	mu         sync.Mutex
	batches    [][]types.RawMessage
	receiveErr map[int]error
	deleteErr  map[string]error
	requests   []types.ReceiveOptions
	deleted    []string
	journal    *[]string
}

func (f *fakeTransport) Receive(ctx context.Context, opts types.ReceiveOptions) ([]types.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, opts)
	call := len(f.requests)
	f.log("receive")

	if err := f.receiveErr[call]; err != nil {
		return nil, err
	}

	if len(f.batches) == 0 {
		return nil, nil
	}

	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeTransport) Delete(ctx context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log("delete " + receiptHandle)

	if err := f.deleteErr[receiptHandle]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeTransport) log(entry string) {
	if f.journal != nil {
		*f.journal = append(*f.journal, entry)
	}
}

type MockStore struct {
	mock.Mock
	journal *[]string
}

func (m *MockStore) InsertRecords(ctx context.Context, records []storetypes.QueueRecord) (int, error) {
	if m.journal != nil {
		*m.journal = append(*m.journal, "insert")
	}
	args := m.Called(ctx, records)
	return args.Int(0), args.Error(1)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Write(ctx context.Context, record deadletter.Record) (string, error) {
	args := m.Called(ctx, record)
	return args.String(0), args.Error(1)
}

func body(objectKey string, sent int64) string {
	return fmt.Sprintf(`{"objectkey":%q,"process":"transcode","status":"success","message":{"jobId":"j-1"},"timestamp":%d}`, objectKey, sent)
}

func delivery(id, site string) types.RawMessage {
	return types.RawMessage{
		MessageId:     id,
		ReceiptHandle: "rh-" + id,
		Body:          body("object-"+id, 1571880302),
		Attributes:    map[string]string{"siteid": site},
	}
}

func uniqueBatch(start, n int) []types.RawMessage {
	batch := make([]types.RawMessage, n)
	for i := range batch {
		batch[i] = delivery(fmt.Sprintf("m-%03d", start+i), localSite)
	}
	return batch
}

func testOptions(opts Options) Options {
	opts.Filter = SiteFilter("siteid", localSite)
	opts.Logger = log.NewWithWriter(context.Background(), nil, io.Discard)
	opts.Now = func() time.Time { return testNow }
	return opts
}

func newTestDrain(t *testing.T, transport *fakeTransport, store RecordWriter, opts ...Options) *Drain {
	t.Helper()
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	d, err := New(transport, store, testOptions(o))
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	transport := &fakeTransport{}
	store := memory.New()

	_, err := New(nil, store)
	assert.Error(t, err)

	_, err = New(transport, nil)
	assert.Error(t, err)

	_, err = New(transport, store, Options{DecodePolicy: "skip"})
	assert.Error(t, err)

	_, err = New(transport, store, Options{DecodePolicy: DecodeDeadLetter})
	assert.Error(t, err, "dead letter policy without a sink")

	d, err := New(transport, store)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxMessages, d.opts.MaxMessages)
	assert.Equal(t, DefaultMaxBatchPerCall, d.opts.MaxBatchPerCall)
	assert.Equal(t, DefaultVisibilityTimeout, d.opts.VisibilityTimeout)
	assert.Equal(t, DefaultWaitTimeSeconds, d.opts.WaitTimeSeconds)
	assert.Equal(t, DecodeFailBatch, d.opts.DecodePolicy)
}

func TestShortPollOverridesWaitTime(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{uniqueBatch(0, 1)}}

	_, err := newTestDrain(t, transport, memory.New(), Options{ShortPoll: true, WaitTimeSeconds: 5}).Fetch(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, transport.requests)
	for _, request := range transport.requests {
		assert.Zero(t, request.WaitTimeSeconds)
		assert.Equal(t, DefaultVisibilityTimeout, request.VisibilityTimeout)
	}
}

func TestSiteFilter(t *testing.T) {
	filter := SiteFilter("siteid", localSite)

	assert.True(t, filter(delivery("1", localSite)))
	assert.False(t, filter(delivery("2", "site-b")))
	assert.False(t, filter(types.RawMessage{MessageId: "3"}))
	assert.False(t, filter(types.RawMessage{MessageId: "4", Attributes: map[string]string{"SiteId": localSite}}))
}

func TestFetchFiltersForeignTenants(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{{
		delivery("1", localSite),
		delivery("2", "site-b"),
		delivery("3", ""),
		delivery("4", localSite),
	}}}

	accepted, err := newTestDrain(t, transport, memory.New()).Fetch(context.Background())
	require.NoError(t, err)

	assert.Len(t, accepted, 2)
	assert.Contains(t, accepted, "1")
	assert.Contains(t, accepted, "4")
	assert.Empty(t, transport.deleted)
}

func TestFetchDeduplicatesById(t *testing.T) {
	first := delivery("dup", localSite)
	second := delivery("dup", localSite)
	second.ReceiptHandle = "rh-dup-2"
	third := delivery("dup", localSite)
	third.ReceiptHandle = "rh-dup-3"

	transport := &fakeTransport{batches: [][]types.RawMessage{
		{first, second},
		{third, delivery("other", localSite)},
	}}

	accepted, err := newTestDrain(t, transport, memory.New()).Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, accepted, 2)
	assert.Equal(t, "rh-dup-3", accepted["dup"].ReceiptHandle)
}

func TestFetchEnforcesCap(t *testing.T) {
	transport := &fakeTransport{}
	for i := 0; i < 20; i++ {
		transport.batches = append(transport.batches, uniqueBatch(i*10, 10))
	}

	accepted, err := newTestDrain(t, transport, memory.New()).Fetch(context.Background())
	require.NoError(t, err)

	assert.Len(t, accepted, DefaultMaxMessages)
	assert.Len(t, transport.requests, 10)
	assert.Len(t, transport.batches, 10, "remaining batches must stay on the queue")
}

func TestFetchRequestsOnlyWhatFitsUnderCap(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{
		uniqueBatch(0, 10),
		uniqueBatch(10, 10),
		uniqueBatch(20, 5),
	}}

	accepted, err := newTestDrain(t, transport, memory.New(), Options{MaxMessages: 25}).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, accepted, 25)

	require.Len(t, transport.requests, 3)
	assert.Equal(t, types.ReceiveOptions{BatchSize: 10, VisibilityTimeout: 60, WaitTimeSeconds: 5}, transport.requests[0])
	assert.Equal(t, 10, transport.requests[1].BatchSize)
	assert.Equal(t, 5, transport.requests[2].BatchSize)
}

func TestFetchNeverExceedsCapWhenTransportOverDelivers(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{uniqueBatch(0, 8)}}

	accepted, err := newTestDrain(t, transport, memory.New(), Options{MaxMessages: 5}).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, accepted, 5)
	assert.Len(t, transport.requests, 1)
}

func TestFetchStopsOnEmptyBatch(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{
		uniqueBatch(0, 3),
		{},
		uniqueBatch(3, 3),
	}}

	accepted, err := newTestDrain(t, transport, memory.New()).Fetch(context.Background())
	require.NoError(t, err)

	assert.Len(t, accepted, 3)
	assert.Len(t, transport.requests, 2)
}

func TestFetchContinuesPastForeignOnlyBatches(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{
		{delivery("f-1", "site-b"), delivery("f-2", "site-b")},
		{delivery("1", localSite)},
	}}

	accepted, err := newTestDrain(t, transport, memory.New()).Fetch(context.Background())
	require.NoError(t, err)

	assert.Len(t, accepted, 1)
	assert.Len(t, transport.requests, 3)
}

func TestFetchReceiveErrorDiscardsPartialResults(t *testing.T) {
	throttled := errors.New("ThrottlingException")
	transport := &fakeTransport{
		batches:    [][]types.RawMessage{uniqueBatch(0, 10), uniqueBatch(10, 10)},
		receiveErr: map[int]error{2: throttled},
	}

	accepted, err := newTestDrain(t, transport, memory.New()).Fetch(context.Background())
	assert.Nil(t, accepted)

	var receiveErr *TransportReceiveError
	require.ErrorAs(t, err, &receiveErr)
	assert.Equal(t, 2, receiveErr.Call)
	assert.ErrorIs(t, err, throttled)
	assert.Equal(t, StageFetch, Stage(err))
}

func TestRunCycleHappyPath(t *testing.T) {
	var journal []string
	transport := &fakeTransport{
		journal: &journal,
		batches: [][]types.RawMessage{{
			delivery("1", localSite),
			delivery("2", localSite),
			delivery("3", "site-b"),
		}},
	}
	store := &MockStore{journal: &journal}
	store.On("InsertRecords", mock.Anything, mock.MatchedBy(func(records []storetypes.QueueRecord) bool {
		return len(records) == 2
	})).Return(2, nil).Once()

	count, err := newTestDrain(t, transport, store).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, count)
	assert.ElementsMatch(t, []string{"rh-1", "rh-2"}, transport.deleted)
	assert.NotContains(t, transport.deleted, "rh-3")
	assert.Equal(t, []string{"receive", "receive", "insert", "delete rh-1", "delete rh-2"}, journal)

	store.AssertExpectations(t)
}

func TestRunCycleEmptyQueue(t *testing.T) {
	transport := &fakeTransport{}
	store := &MockStore{}

	count, err := newTestDrain(t, transport, store).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, count)
	assert.Len(t, transport.requests, 1)
	store.AssertNotCalled(t, "InsertRecords", mock.Anything, mock.Anything)
	assert.Empty(t, transport.deleted)
}

func TestRunCycleOnlyForeignTenants(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{{delivery("1", "site-b")}}}
	store := &MockStore{}

	count, err := newTestDrain(t, transport, store).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, count)
	store.AssertNotCalled(t, "InsertRecords", mock.Anything, mock.Anything)
	assert.Empty(t, transport.deleted)
}

func TestRunCycleStorageFailureDeletesNothing(t *testing.T) {
	transport := &fakeTransport{batches: [][]types.RawMessage{uniqueBatch(0, 3)}}
	store := &MockStore{}
	unavailable := errors.New("ServiceUnavailable")
	store.On("InsertRecords", mock.Anything, mock.Anything).Return(0, unavailable).Once()

	count, err := newTestDrain(t, transport, store).RunCycle(context.Background())

	var storageErr *StorageInsertError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, 3, storageErr.Records)
	assert.ErrorIs(t, err, unavailable)
	assert.Equal(t, StagePersist, Stage(err))
	assert.Equal(t, 3, count)
	assert.Empty(t, transport.deleted)
}

func TestRunCycleReceiveFailure(t *testing.T) {
	transport := &fakeTransport{receiveErr: map[int]error{1: errors.New("AccessDenied")}}
	store := &MockStore{}

	count, err := newTestDrain(t, transport, store).RunCycle(context.Background())

	var receiveErr *TransportReceiveError
	require.ErrorAs(t, err, &receiveErr)
	assert.Zero(t, count)
	store.AssertNotCalled(t, "InsertRecords", mock.Anything, mock.Anything)
	assert.Empty(t, transport.deleted)
}

func TestRunCycleDecodeFailureFailsBatch(t *testing.T) {
	bad := delivery("bad", localSite)
	bad.Body = "{not json"
	missing := delivery("missing", localSite)
	missing.Body = `{"process":"transcode","timestamp":1}`

	transport := &fakeTransport{batches: [][]types.RawMessage{{delivery("good", localSite), bad, missing}}}
	store := &MockStore{}

	_, err := newTestDrain(t, transport, store).RunCycle(context.Background())

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "bad", decodeErr.MessageId)
	assert.Contains(t, err.Error(), "missing")
	assert.Equal(t, StagePersist, Stage(err))

	store.AssertNotCalled(t, "InsertRecords", mock.Anything, mock.Anything)
	assert.Empty(t, transport.deleted)
}

func TestRunCycleDeadLettersMalformedMessages(t *testing.T) {
	bad := delivery("bad", localSite)
	bad.Body = "{not json"
	bad.ApproximateReceiveCount = 4

	transport := &fakeTransport{batches: [][]types.RawMessage{{delivery("good", localSite), bad}}}
	store := memory.New()
	sink := &MockSink{}
	sink.On("Write", mock.Anything, mock.MatchedBy(func(r deadletter.Record) bool {
		return r.MessageId == "bad" &&
			r.Body == "{not json" &&
			r.ReceiveCount == 4 &&
			r.Attributes["siteid"] == localSite &&
			r.Reason != "" &&
			r.FailedAt.Equal(testNow)
	})).Return("s3://dead-letter/bad.json", nil).Once()

	d := newTestDrain(t, transport, store, Options{DecodePolicy: DecodeDeadLetter, DeadLetter: sink})

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Persisted)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Equal(t, 2, result.Deleted)
	assert.ElementsMatch(t, []string{"rh-good", "rh-bad"}, transport.deleted)
	assert.Len(t, store.Records(), 1)

	sink.AssertExpectations(t)
}

func TestRunCycleKeepsMessageWhenDeadLetterFails(t *testing.T) {
	bad := delivery("bad", localSite)
	bad.Body = `{"objectkey":"a","process":"p","timestamp":"yesterday"}`

	transport := &fakeTransport{batches: [][]types.RawMessage{{delivery("good", localSite), bad}}}
	sink := &MockSink{}
	sink.On("Write", mock.Anything, mock.Anything).Return("", errors.New("bucket unavailable")).Once()

	d := newTestDrain(t, transport, memory.New(), Options{DecodePolicy: DecodeDeadLetter, DeadLetter: sink})

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.DeadLettered)
	assert.Equal(t, []string{"rh-good"}, transport.deleted)
}

func TestRunCycleDeadLetterOnlyBatchSkipsInsert(t *testing.T) {
	bad := delivery("bad", localSite)
	bad.Body = "[]"

	transport := &fakeTransport{batches: [][]types.RawMessage{{bad}}}
	store := &MockStore{}
	sink := &MockSink{}
	sink.On("Write", mock.Anything, mock.Anything).Return("local", nil).Once()

	d := newTestDrain(t, transport, store, Options{DecodePolicy: DecodeDeadLetter, DeadLetter: sink})

	count, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"rh-bad"}, transport.deleted)
	store.AssertNotCalled(t, "InsertRecords", mock.Anything, mock.Anything)
}

func TestAcknowledgeFansOut(t *testing.T) {
	expired := errors.New("ReceiptHandleIsInvalid")
	transport := &fakeTransport{deleteErr: map[string]error{"rh-2": expired}}

	messages := AcceptedMessages{}
	for _, m := range uniqueBatch(1, 3) {
		messages[m.MessageId] = m
	}
	messages["2"] = delivery("2", localSite)
	delete(messages, "m-002")

	outcomes := newTestDrain(t, transport, memory.New()).Acknowledge(context.Background(), messages)

	require.Len(t, outcomes, 3)
	assert.Len(t, transport.deleted, 2)

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Err == nil {
			continue
		}
		failed++
		var deleteErr *TransportDeleteError
		require.ErrorAs(t, outcome.Err, &deleteErr)
		assert.Equal(t, "2", deleteErr.MessageId)
		assert.Equal(t, "rh-2", deleteErr.ReceiptHandle)
		assert.ErrorIs(t, outcome.Err, expired)
		assert.Equal(t, StageAcknowledge, Stage(outcome.Err))
	}
	assert.Equal(t, 1, failed)
}

func TestRunCycleReportsDeleteFailures(t *testing.T) {
	transport := &fakeTransport{
		batches:   [][]types.RawMessage{uniqueBatch(0, 3)},
		deleteErr: map[string]error{"rh-m-001": errors.New("timeout")},
	}

	result, err := newTestDrain(t, transport, memory.New()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 2, result.Deleted)
	require.Len(t, result.DeleteFailures, 1)
	assert.Equal(t, "m-001", result.DeleteFailures[0].MessageId)
}

func TestRedeliveryAfterFailedDeleteIsNotStoredTwice(t *testing.T) {
	store := memory.New()
	message := delivery("1", localSite)

	first := &fakeTransport{
		batches:   [][]types.RawMessage{{message}},
		deleteErr: map[string]error{"rh-1": errors.New("timeout")},
	}
	result, err := newTestDrain(t, first, store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Persisted)
	assert.Len(t, result.DeleteFailures, 1)

	redelivered := message
	redelivered.ReceiptHandle = "rh-1-again"
	second := &fakeTransport{batches: [][]types.RawMessage{{redelivered}}}

	result, err = newTestDrain(t, second, store).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Persisted)
	assert.Equal(t, 1, result.Deleted)

	assert.Len(t, store.Records(), 1)
}

func TestPersistStampsCreatedTime(t *testing.T) {
	store := memory.New()
	d := newTestDrain(t, &fakeTransport{}, store)

	result, err := d.Persist(context.Background(), AcceptedMessages{"1": delivery("1", localSite)})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, result.Acknowledge)
	assert.Equal(t, 1, result.Inserted)

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, testNow.Unix(), records[0].CreatedTime)
	assert.Equal(t, int64(1571880302), records[0].SentTime)
	assert.Equal(t, `{"jobId":"j-1"}`, records[0].Message)
	assert.Equal(t, storetypes.NewRecordKey("object-1", "transcode", "success", 1571880302), records[0].RecordKey)
}
