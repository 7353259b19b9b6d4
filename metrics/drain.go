package metrics

const (
	MessagesReceived       = "messages_received_total"
	MessagesDiscarded      = "messages_discarded_total"
	MessagesPersisted      = "messages_persisted_total"
	MessagesDeleted        = "messages_deleted_total"
	MessageDeleteFailures  = "message_delete_failures_total"
	MessagesDeadLettered   = "messages_dead_lettered_total"
	Cycles                 = "cycles_total"
	CycleDurationSeconds   = "cycle_duration_seconds"
	QueueDepth             = "queue_depth"
	DiscardReasonTenant    = "foreign_tenant"
	DiscardReasonDuplicate = "duplicate"
	DiscardReasonOverCap   = "over_cap"
)

// DrainMetrics lists the metrics recorded by a drain cycle.
func DrainMetrics() []CustomMetric {
	return []CustomMetric{
		{Name: MessagesReceived, Description: "Deliveries returned by the transport", Type: Counter},
		{Name: MessagesDiscarded, Description: "Deliveries dropped during fetch", Type: Counter, Labels: []string{"reason"}},
		{Name: MessagesPersisted, Description: "Records newly written to the store", Type: Counter},
		{Name: MessagesDeleted, Description: "Deliveries acknowledged on the transport", Type: Counter},
		{Name: MessageDeleteFailures, Description: "Deliveries whose delete call failed", Type: Counter},
		{Name: MessagesDeadLettered, Description: "Malformed deliveries written to the dead letter sink", Type: Counter},
		{Name: Cycles, Description: "Completed drain cycles", Type: Counter, Labels: []string{"result"}},
		{
			Name:        CycleDurationSeconds,
			Description: "Duration of a drain cycle",
			Type:        Histogram,
			Buckets:     []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		{Name: QueueDepth, Description: "Approximate number of visible messages on the queue", Type: Gauge},
	}
}

// NewDrainCollector returns a collector with the drain metrics registered.
func NewDrainCollector(namespace string) (*PrometheusCollector, error) {
	collector := NewPrometheusCollector(namespace)
	if err := collector.RegisterCustomMetrics(DrainMetrics()...); err != nil {
		return nil, err
	}
	return collector, nil
}
