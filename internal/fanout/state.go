package fanout

import (
	"fmt"
	"time"
)

// State is the in-memory view of a run rebuilt from its history.
type State struct {
	RunID      string
	Items      []WorkItem
	StartedAt  time.Time
	Deadline   *time.Time
	Dispatched []bool
	Results    []*ActivityResult
	Status     RunStatus
	Output     string
	Reason     string
	FinishedAt *time.Time
	// Cursor is the sequence number of the last applied event.
	Cursor int64
}

// Decision is the next action of the coordinator for a given state.
type Decision struct {
	// Dispatch lists the tasks not yet dispatched, in declaration order.
	Dispatch []Task
	// Complete is true once every slot has resolved.
	Complete bool
	// Output is the aggregate result when Complete is true.
	Output string
}

// Replay rebuilds a run's state from its history. It is a pure function of the
// events and rejects histories the coordinator could not have written.
func Replay(runID string, history []Event) (*State, error) {
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	first := history[0]
	if first.Type != EventRunStarted {
		return nil, fmt.Errorf("run %s: first event is %s: %w", runID, first.Type, ErrNondeterministic)
	}
	if len(first.Items) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrEmptyRun)
	}
	s := &State{
		RunID:      runID,
		Items:      append([]WorkItem(nil), first.Items...),
		StartedAt:  first.At,
		Deadline:   first.Deadline,
		Dispatched: make([]bool, len(first.Items)),
		Results:    make([]*ActivityResult, len(first.Items)),
		Status:     RunPending,
		Cursor:     first.Seq,
	}
	for _, evt := range history[1:] {
		if err := s.Apply(evt); err != nil {
			return nil, fmt.Errorf("run %s seq %d: %w", runID, evt.Seq, err)
		}
	}
	return s, nil
}

// Apply advances the state by one event, enforcing the same rules as Replay.
// An event without a sequence number leaves the cursor unchanged.
func (s *State) Apply(evt Event) error {
	if evt.Seq != 0 && evt.Seq <= s.Cursor {
		return fmt.Errorf("sequence %d does not advance past %d: %w", evt.Seq, s.Cursor, ErrNondeterministic)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%s after terminal state %s: %w", evt.Type, s.Status, ErrNondeterministic)
	}
	switch evt.Type {
	case EventDispatchIssued:
		if err := s.checkIndex(evt.Index); err != nil {
			return err
		}
		if s.Items[evt.Index] != evt.Item {
			return fmt.Errorf("dispatch %d names %q, input declares %q: %w",
				evt.Index, evt.Item, s.Items[evt.Index], ErrNondeterministic)
		}
		if s.Dispatched[evt.Index] {
			return fmt.Errorf("duplicate dispatch of %d: %w", evt.Index, ErrNondeterministic)
		}
		s.Dispatched[evt.Index] = true
	case EventResultReceived:
		if err := s.checkIndex(evt.Index); err != nil {
			return err
		}
		if !s.Dispatched[evt.Index] {
			return fmt.Errorf("result for undispatched %d: %w", evt.Index, ErrNondeterministic)
		}
		if s.Results[evt.Index] != nil {
			return fmt.Errorf("duplicate result for %d: %w", evt.Index, ErrNondeterministic)
		}
		if evt.Result == nil {
			return fmt.Errorf("result event %d has no result: %w", evt.Index, ErrNondeterministic)
		}
		r := *evt.Result
		s.Results[evt.Index] = &r
	case EventRunCompleted:
		output, ok := Aggregate(s.Items, s.Results)
		if !ok {
			return fmt.Errorf("completed with unresolved slots: %w", ErrNondeterministic)
		}
		if output != evt.Output {
			return fmt.Errorf("completed output differs from aggregate: %w", ErrNondeterministic)
		}
		s.finish(RunCompleted, evt)
		s.Output = evt.Output
	case EventRunFailed:
		s.finish(RunFailed, evt)
		s.Reason = evt.Reason
	case EventRunCanceled:
		s.finish(RunCanceled, evt)
		s.Reason = evt.Reason
	default:
		return fmt.Errorf("unexpected event %q: %w", evt.Type, ErrNondeterministic)
	}
	if evt.Seq != 0 {
		s.Cursor = evt.Seq
	}
	return nil
}

func (s *State) finish(status RunStatus, evt Event) {
	at := evt.At
	s.Status = status
	s.FinishedAt = &at
}

func (s *State) checkIndex(index int) error {
	if index < 0 || index >= len(s.Items) {
		return fmt.Errorf("index %d out of range [0,%d): %w", index, len(s.Items), ErrNondeterministic)
	}
	return nil
}

// Decide computes the next action. A terminal state yields the zero Decision.
func (s *State) Decide() Decision {
	if s.Status.IsTerminal() {
		return Decision{}
	}
	var d Decision
	for i, item := range s.Items {
		if !s.Dispatched[i] {
			d.Dispatch = append(d.Dispatch, Task{RunID: s.RunID, Index: i, Item: item})
		}
	}
	if len(d.Dispatch) > 0 {
		return d
	}
	if output, ok := Aggregate(s.Items, s.Results); ok {
		d.Complete = true
		d.Output = output
	}
	return d
}

// InFlight lists tasks that were dispatched but have not resolved.
func (s *State) InFlight() []Task {
	var tasks []Task
	for i, item := range s.Items {
		if s.Dispatched[i] && s.Results[i] == nil {
			tasks = append(tasks, Task{RunID: s.RunID, Index: i, Item: item})
		}
	}
	return tasks
}

// Unresolved counts slots without a result.
func (s *State) Unresolved() int {
	n := 0
	for _, r := range s.Results {
		if r == nil {
			n++
		}
	}
	return n
}

// Counters tallies resolved outcomes.
func (s *State) Counters() RunCounters {
	var c RunCounters
	for _, r := range s.Results {
		switch {
		case r == nil:
		case r.IsSuccess():
			c.Succeeded++
		default:
			c.Failed++
		}
	}
	return c
}

// Expired reports whether the captured deadline has passed at now.
func (s *State) Expired(now time.Time) bool {
	return s.Deadline != nil && !s.Status.IsTerminal() && !now.Before(*s.Deadline)
}

// Run projects the state onto the run store record.
func (s *State) Run() Run {
	errText := ""
	if s.Status == RunFailed || s.Status == RunCanceled {
		errText = s.Reason
	}
	return Run{
		ID:         s.RunID,
		Status:     s.Status,
		Items:      append([]WorkItem(nil), s.Items...),
		Output:     s.Output,
		ErrorText:  errText,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Counters:   s.Counters(),
	}
}
