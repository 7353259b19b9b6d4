package drain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/finch-technologies/queue-drain/deadletter"
	"github.com/finch-technologies/queue-drain/events"
	"github.com/finch-technologies/queue-drain/log"
	"github.com/finch-technologies/queue-drain/metrics"
	"github.com/finch-technologies/queue-drain/queue"
	"github.com/finch-technologies/queue-drain/queue/types"
	storetypes "github.com/finch-technologies/queue-drain/store/types"
	"github.com/finch-technologies/queue-drain/tracing"
	"github.com/finch-technologies/queue-drain/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type DecodePolicy string

const (
	// DecodeFailBatch fails the whole cycle on the first malformed body.
	DecodeFailBatch DecodePolicy = "fail_batch"
	// DecodeDeadLetter writes malformed bodies to the dead letter sink and
	// acknowledges them with the rest of the batch.
	DecodeDeadLetter DecodePolicy = "dead_letter"
)

const (
	DefaultMaxMessages       = 100
	DefaultMaxBatchPerCall   = 10
	DefaultVisibilityTimeout = 60
	DefaultWaitTimeSeconds   = 5
)

// AcceptedMessages holds the deliveries of one cycle keyed by message id.
// Repeated deliveries of the same id collapse into one entry.
type AcceptedMessages map[string]types.RawMessage

// RecordWriter is the durable store a cycle writes to.
type RecordWriter interface {
	InsertRecords(ctx context.Context, records []storetypes.QueueRecord) (int, error)
}

type Options struct {
	MaxMessages       int
	MaxBatchPerCall   int
	VisibilityTimeout int
	WaitTimeSeconds   int
	// ShortPoll receives without waiting for messages to arrive. It wins
	// over WaitTimeSeconds, whose zero value means the default.
	ShortPoll      bool
	Filter         TenantFilter
	DecodePolicy   DecodePolicy
	DeadLetter     deadletter.Sink
	Metrics        metrics.Collector
	TracerProvider trace.TracerProvider
	Logger         log.LoggerInterface
	Now            func() time.Time
}

type Drain struct {
	transport queue.Transport
	store     RecordWriter
	opts      Options
	tracer    trace.Tracer
}

func getOptions(options ...Options) Options {
	defaults := Options{
		MaxMessages:       DefaultMaxMessages,
		MaxBatchPerCall:   DefaultMaxBatchPerCall,
		VisibilityTimeout: DefaultVisibilityTimeout,
		WaitTimeSeconds:   DefaultWaitTimeSeconds,
		DecodePolicy:      DecodeFailBatch,
	}

	opts := defaults
	if len(options) > 0 {
		opts = options[0]
		utils.MergeObjects(&opts, defaults)
	}

	if opts.ShortPoll {
		opts.WaitTimeSeconds = 0
	}
	if opts.Filter == nil {
		opts.Filter = acceptAll
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return opts
}

func New(transport queue.Transport, store RecordWriter, options ...Options) (*Drain, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}

	opts := getOptions(options...)

	if !utils.Contains([]DecodePolicy{DecodeFailBatch, DecodeDeadLetter}, opts.DecodePolicy) {
		return nil, errors.New("invalid decode policy " + string(opts.DecodePolicy))
	}
	if opts.DecodePolicy == DecodeDeadLetter && opts.DeadLetter == nil {
		return nil, errors.New("the dead_letter decode policy needs a dead letter sink")
	}

	return &Drain{
		transport: transport,
		store:     store,
		opts:      opts,
		tracer:    tracing.Tracer(opts.TracerProvider),
	}, nil
}

// CycleResult describes one completed or failed cycle.
type CycleResult struct {
	Accepted       int
	Persisted      int
	Deleted        int
	DeadLettered   int
	DeleteFailures []DeleteOutcome
	Duration       time.Duration
}

// RunCycle drains the queue once and returns the number of accepted messages.
func (d *Drain) RunCycle(ctx context.Context) (int, error) {
	result, err := d.Run(ctx)
	return result.Accepted, err
}

// Run performs fetch, persist and acknowledge in sequence. A stage error
// stops the cycle before any delivery is deleted.
func (d *Drain) Run(ctx context.Context) (result CycleResult, err error) {
	start := d.opts.Now()

	ctx, span := d.tracer.Start(ctx, "drain.cycle")
	defer func() {
		result.Duration = d.opts.Now().Sub(start)
		d.finish(ctx, span, result, err)
	}()

	d.opts.Logger.InfoEvent(events.CycleStarted, "")

	accepted, err := d.Fetch(ctx)
	if err != nil {
		return result, err
	}

	result.Accepted = len(accepted)
	if len(accepted) == 0 {
		return result, nil
	}

	persisted, err := d.Persist(ctx, accepted)
	if err != nil {
		return result, err
	}

	result.Persisted = persisted.Inserted
	result.DeadLettered = len(persisted.DeadLettered)

	acknowledge := make(AcceptedMessages, len(persisted.Acknowledge))
	for _, id := range persisted.Acknowledge {
		acknowledge[id] = accepted[id]
	}

	outcomes := d.Acknowledge(ctx, acknowledge)
	result.DeleteFailures = utils.Filter(outcomes, func(o DeleteOutcome, _ int) bool {
		return o.Err != nil
	})
	result.Deleted = len(outcomes) - len(result.DeleteFailures)

	return result, nil
}

func (d *Drain) finish(ctx context.Context, span trace.Span, result CycleResult, err error) {
	defer span.End()

	span.SetAttributes(
		attribute.Int("drain.accepted", result.Accepted),
		attribute.Int("drain.persisted", result.Persisted),
		attribute.Int("drain.deleted", result.Deleted),
		attribute.Int("drain.delete_failures", len(result.DeleteFailures)),
		attribute.Int("drain.dead_lettered", result.DeadLettered),
	)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "failure"
	case len(result.DeleteFailures) > 0:
		outcome = "partial"
	case result.Accepted == 0:
		outcome = "empty"
	}

	d.count(ctx, metrics.Cycles, map[string]string{"result": outcome}, 1)
	if d.opts.Metrics != nil {
		d.opts.Metrics.ObserveHistogram(ctx, metrics.CycleDurationSeconds, nil, result.Duration.Seconds())
	}
	d.recordDepth(ctx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.opts.Logger.ErrorFields("drain cycle failed", map[string]any{
			"event": events.CycleFailed,
			"stage": Stage(err),
			"error": err.Error(),
		})
		return
	}

	summary, _ := json.Marshal(events.CycleSummary{
		Accepted:       result.Accepted,
		Persisted:      result.Persisted,
		Deleted:        result.Deleted,
		DeleteFailures: len(result.DeleteFailures),
		DeadLettered:   result.DeadLettered,
		DurationMs:     result.Duration.Milliseconds(),
	})
	d.opts.Logger.InfoEvent(events.CycleCompleted, string(summary))
}

// recordDepth updates the queue depth gauge when the transport can report it.
func (d *Drain) recordDepth(ctx context.Context) {
	counter, ok := d.transport.(queue.Counter)
	if !ok || d.opts.Metrics == nil {
		return
	}

	depth, err := counter.Count(ctx)
	if err != nil {
		d.opts.Logger.Warningf("failed to read queue depth: %v", err)
		return
	}

	d.opts.Metrics.SetGauge(ctx, metrics.QueueDepth, nil, float64(depth))
}

func (d *Drain) count(ctx context.Context, name string, labels map[string]string, value int) {
	if d.opts.Metrics == nil || value == 0 {
		return
	}
	d.opts.Metrics.IncrementCounter(ctx, name, labels, float64(value))
}
