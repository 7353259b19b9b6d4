package drain

import (
	"context"

	"github.com/finch-technologies/queue-drain/metrics"
	"github.com/finch-technologies/queue-drain/queue/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Fetch receives deliveries until the transport returns an empty batch or
// MaxMessages deliveries have been accepted. Foreign-tenant deliveries are
// dropped without being deleted. On a receive error the partial set is
// discarded.
func (d *Drain) Fetch(ctx context.Context) (AcceptedMessages, error) {
	ctx, span := d.tracer.Start(ctx, "drain.fetch")
	defer span.End()

	accepted := make(AcceptedMessages)
	received, foreign, duplicates, overCap := 0, 0, 0, 0
	calls := 0

	for len(accepted) < d.opts.MaxMessages {
		calls++

		batch, err := d.transport.Receive(ctx, types.ReceiveOptions{
			BatchSize:         min(d.opts.MaxBatchPerCall, d.opts.MaxMessages-len(accepted)),
			VisibilityTimeout: d.opts.VisibilityTimeout,
			WaitTimeSeconds:   d.opts.WaitTimeSeconds,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "receive failed")
			return nil, &TransportReceiveError{Call: calls, Err: err}
		}

		if len(batch) == 0 {
			break
		}

		received += len(batch)

		for _, message := range batch {
			if !d.opts.Filter(message) {
				foreign++
				continue
			}

			if _, seen := accepted[message.MessageId]; seen {
				// keep the newest receipt handle
				accepted[message.MessageId] = message
				duplicates++
				continue
			}

			if len(accepted) >= d.opts.MaxMessages {
				// left on the queue until its visibility timeout expires
				overCap++
				continue
			}

			accepted[message.MessageId] = message
		}
	}

	span.SetAttributes(
		attribute.Int("drain.receive_calls", calls),
		attribute.Int("drain.received", received),
		attribute.Int("drain.accepted", len(accepted)),
	)

	d.count(ctx, metrics.MessagesReceived, nil, received)
	d.count(ctx, metrics.MessagesDiscarded, map[string]string{"reason": metrics.DiscardReasonTenant}, foreign)
	d.count(ctx, metrics.MessagesDiscarded, map[string]string{"reason": metrics.DiscardReasonDuplicate}, duplicates)
	d.count(ctx, metrics.MessagesDiscarded, map[string]string{"reason": metrics.DiscardReasonOverCap}, overCap)

	d.opts.Logger.DebugFields("fetched messages", map[string]any{
		"calls":      calls,
		"received":   received,
		"accepted":   len(accepted),
		"foreign":    foreign,
		"duplicates": duplicates,
	})

	return accepted, nil
}
