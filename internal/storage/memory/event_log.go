// Package memory implements the event log, run store and blob store in
// process memory for development and tests. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

// EventLog keeps each run's history in a slice.
type EventLog struct {
	mu   sync.RWMutex
	runs map[string][]fanout.Event
}

// NewEventLog constructs an empty EventLog.
func NewEventLog() *EventLog {
	return &EventLog{runs: make(map[string][]fanout.Event)}
}

// Append assigns the next sequence numbers and stores events.
func (l *EventLog) Append(_ context.Context, runID string, events ...fanout.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	history := l.runs[runID]
	next := int64(len(history)) + 1
	for _, evt := range events {
		evt.Seq = next
		next++
		history = append(history, evt)
	}
	l.runs[runID] = history
	return nil
}

// Load returns a copy of the run's history.
func (l *EventLog) Load(_ context.Context, runID string) ([]fanout.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	history, ok := l.runs[runID]
	if !ok {
		return nil, fanout.ErrNotFound
	}
	return append([]fanout.Event(nil), history...), nil
}

// OpenRuns lists runs without a terminal event, sorted by ID.
func (l *EventLog) OpenRuns(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var open []string
	for runID, history := range l.runs {
		if len(history) > 0 && !history[len(history)-1].Type.IsTerminal() {
			open = append(open, runID)
		}
	}
	sort.Strings(open)
	return open, nil
}
