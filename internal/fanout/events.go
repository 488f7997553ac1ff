package fanout

import "time"

// EventType names an entry in a run's history.
type EventType string

// History entries, in the order they normally appear.
const (
	EventRunStarted     EventType = "run_started"
	EventDispatchIssued EventType = "dispatch_issued"
	EventResultReceived EventType = "result_received"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventRunCanceled    EventType = "run_canceled"
)

// IsTerminal reports whether the event ends a run.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCanceled:
		return true
	default:
		return false
	}
}

// Event is one append-only history record. Seq is assigned by the EventLog,
// starting at 1 for each run.
type Event struct {
	Seq  int64     `json:"seq"`
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// run_started
	Items    []WorkItem `json:"items,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`

	// dispatch_issued, result_received
	Index  int             `json:"index"`
	Item   WorkItem        `json:"item,omitempty"`
	Result *ActivityResult `json:"result,omitempty"`

	// run_completed
	Output string `json:"output,omitempty"`
	// run_failed, run_canceled
	Reason string `json:"reason,omitempty"`
}

// RunStarted records the fixed input of a run. Values read from the clock are
// captured here once and replayed as data.
func RunStarted(at time.Time, items []WorkItem, deadline *time.Time) Event {
	return Event{Type: EventRunStarted, At: at, Items: append([]WorkItem(nil), items...), Deadline: deadline}
}

// DispatchIssued records that the task was handed to the dispatcher.
func DispatchIssued(at time.Time, task Task) Event {
	return Event{Type: EventDispatchIssued, At: at, Index: task.Index, Item: task.Item}
}

// ResultReceived records the resolved result of one slot.
func ResultReceived(at time.Time, index int, result ActivityResult) Event {
	r := result
	return Event{Type: EventResultReceived, At: at, Index: index, Result: &r}
}

// RunCompletedEvent records the aggregate result.
func RunCompletedEvent(at time.Time, output string) Event {
	return Event{Type: EventRunCompleted, At: at, Output: output}
}

// RunFailedEvent records a structural failure of the run.
func RunFailedEvent(at time.Time, reason string) Event {
	return Event{Type: EventRunFailed, At: at, Reason: reason}
}

// RunCanceledEvent records an abort requested by a client.
func RunCanceledEvent(at time.Time, reason string) Event {
	return Event{Type: EventRunCanceled, At: at, Reason: reason}
}
