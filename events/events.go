package events

type Event string

const (
	CycleStarted        Event = "cycle_started"
	CycleCompleted      Event = "cycle_completed"
	CycleFailed         Event = "cycle_failed"
	MessageDeadLettered Event = "message_dead_lettered"
	MessageDeleteFailed Event = "message_delete_failed"
)

// CycleSummary is the payload logged with CycleCompleted.
type CycleSummary struct {
	Accepted       int   `json:"accepted"`
	Persisted      int   `json:"persisted"`
	Deleted        int   `json:"deleted"`
	DeleteFailures int   `json:"deleteFailures"`
	DeadLettered   int   `json:"deadLettered"`
	DurationMs     int64 `json:"durationMs"`
}
