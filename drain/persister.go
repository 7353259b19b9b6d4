package drain

import (
	"context"
	"errors"
	"sort"

	"github.com/finch-technologies/queue-drain/deadletter"
	"github.com/finch-technologies/queue-drain/events"
	"github.com/finch-technologies/queue-drain/metrics"
	"github.com/finch-technologies/queue-drain/queue/types"
	storetypes "github.com/finch-technologies/queue-drain/store/types"
	"github.com/finch-technologies/queue-drain/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PersistResult lists the deliveries that are safe to acknowledge.
type PersistResult struct {
	// Acknowledge holds ids whose record is stored or which were dead-lettered.
	Acknowledge []string
	// Records is the number of records handed to the store.
	Records int
	// Inserted is the number of records the store did not already hold.
	Inserted int
	// DeadLettered holds ids written to the dead letter sink.
	DeadLettered []string
}

// Persist decodes every accepted delivery and writes the records with a
// single batched insert.
func (d *Drain) Persist(ctx context.Context, messages AcceptedMessages) (PersistResult, error) {
	ctx, span := d.tracer.Start(ctx, "drain.persist")
	defer span.End()

	var result PersistResult

	ids := sortedIds(messages)
	now := d.opts.Now()

	records := make([]storetypes.QueueRecord, 0, len(ids))
	stored := make([]string, 0, len(ids))
	var malformed []*DecodeError

	for _, id := range ids {
		record, err := decodeRecord(messages[id], now)
		if err != nil {
			malformed = append(malformed, &DecodeError{MessageId: id, Err: err})
			continue
		}
		records = append(records, record)
		stored = append(stored, id)
	}

	if len(malformed) > 0 && d.opts.DecodePolicy == DecodeFailBatch {
		err := errors.Join(utils.Map(malformed, func(e *DecodeError) error { return e })...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return result, err
	}

	if len(records) > 0 {
		inserted, err := d.store.InsertRecords(ctx, records)
		if err != nil {
			storageErr := &StorageInsertError{Records: len(records), Err: err}
			span.RecordError(storageErr)
			span.SetStatus(codes.Error, "insert failed")
			return result, storageErr
		}
		result.Inserted = inserted
	}

	result.Records = len(records)
	result.Acknowledge = stored

	for _, decodeErr := range malformed {
		if d.deadLetter(ctx, messages[decodeErr.MessageId], decodeErr) {
			result.DeadLettered = append(result.DeadLettered, decodeErr.MessageId)
			result.Acknowledge = append(result.Acknowledge, decodeErr.MessageId)
		}
	}

	span.SetAttributes(
		attribute.Int("drain.records", result.Records),
		attribute.Int("drain.inserted", result.Inserted),
		attribute.Int("drain.malformed", len(malformed)),
	)

	d.count(ctx, metrics.MessagesPersisted, nil, result.Inserted)
	d.count(ctx, metrics.MessagesDeadLettered, nil, len(result.DeadLettered))

	if skipped := result.Records - result.Inserted; skipped > 0 {
		d.opts.Logger.Infof("%d records were already stored", skipped)
	}

	return result, nil
}

// deadLetter reports whether the delivery was written to the sink. A
// delivery that could not be written stays on the queue.
func (d *Drain) deadLetter(ctx context.Context, message types.RawMessage, cause *DecodeError) bool {
	location, err := d.opts.DeadLetter.Write(ctx, deadletter.Record{
		MessageId:    message.MessageId,
		ReceiveCount: message.ApproximateReceiveCount,
		Attributes:   message.Attributes,
		Body:         message.Body,
		Reason:       cause.Err.Error(),
		FailedAt:     d.opts.Now().UTC(),
	})
	if err != nil {
		d.opts.Logger.ErrorFields("failed to dead letter message", map[string]any{
			"messageId": message.MessageId,
			"error":     err.Error(),
		})
		return false
	}

	d.opts.Logger.WarningFields("dead lettered malformed message", map[string]any{
		"event":     events.MessageDeadLettered,
		"messageId": message.MessageId,
		"location":  location,
		"reason":    cause.Err.Error(),
	})

	return true
}

func sortedIds(messages AcceptedMessages) []string {
	ids := make([]string, 0, len(messages))
	for id := range messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
