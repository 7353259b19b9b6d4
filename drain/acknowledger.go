package drain

import (
	"context"

	"github.com/finch-technologies/queue-drain/events"
	"github.com/finch-technologies/queue-drain/metrics"
	"go.opentelemetry.io/otel/attribute"
)

// DeleteOutcome is the result of acknowledging one delivery. Err is a
// *TransportDeleteError when the delete failed.
type DeleteOutcome struct {
	MessageId     string
	ReceiptHandle string
	Err           error
}

// Acknowledge deletes every delivery by receipt handle. A failed delete does
// not stop the others; the delivery reappears once its visibility timeout
// expires.
func (d *Drain) Acknowledge(ctx context.Context, messages AcceptedMessages) []DeleteOutcome {
	ctx, span := d.tracer.Start(ctx, "drain.acknowledge")
	defer span.End()

	outcomes := make([]DeleteOutcome, 0, len(messages))
	failures := 0

	for _, id := range sortedIds(messages) {
		message := messages[id]
		outcome := DeleteOutcome{MessageId: id, ReceiptHandle: message.ReceiptHandle}

		if err := d.transport.Delete(ctx, message.ReceiptHandle); err != nil {
			outcome.Err = &TransportDeleteError{
				MessageId:     id,
				ReceiptHandle: message.ReceiptHandle,
				Err:           err,
			}
			failures++

			d.opts.Logger.WarningFields("failed to delete message", map[string]any{
				"event":     events.MessageDeleteFailed,
				"messageId": id,
				"error":     err.Error(),
			})
		}

		outcomes = append(outcomes, outcome)
	}

	span.SetAttributes(
		attribute.Int("drain.deleted", len(outcomes)-failures),
		attribute.Int("drain.delete_failures", failures),
	)

	d.count(ctx, metrics.MessagesDeleted, nil, len(outcomes)-failures)
	d.count(ctx, metrics.MessageDeleteFailures, nil, failures)

	return outcomes
}
