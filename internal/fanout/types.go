// Package fanout defines the data model and the replay-safe decision logic of
// the fan-out/fan-in title orchestration.
package fanout

import (
	"fmt"
	"strings"
	"time"
)

// Delimiter joins per-item display text into the aggregate result.
const Delimiter = "; "

// WorkItem names one independent unit of fan-out work (a URL).
type WorkItem string

// Outcome tags an ActivityResult.
type Outcome string

// Supported activity outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

const unknownFailure = "unknown error"

// ActivityResult is the resolved outcome of one WorkItem.
type ActivityResult struct {
	Outcome Outcome `json:"outcome"`
	// Text is the extracted title on success, or the failure reason.
	Text string `json:"text"`
}

// Success wraps extracted text as a successful result.
func Success(text string) ActivityResult {
	return ActivityResult{Outcome: OutcomeSuccess, Text: text}
}

// Failure wraps a failure reason. An empty reason is replaced so that every
// failure carries a diagnostic.
func Failure(message string) ActivityResult {
	if strings.TrimSpace(message) == "" {
		message = unknownFailure
	}
	return ActivityResult{Outcome: OutcomeFailure, Text: message}
}

// IsSuccess reports whether the result is a Success.
func (r ActivityResult) IsSuccess() bool {
	return r.Outcome == OutcomeSuccess
}

// Display renders the result for the aggregate.
func (r ActivityResult) Display(item WorkItem) string {
	if r.IsSuccess() {
		return r.Text
	}
	return fmt.Sprintf("Error fetching from %s: %s", item, r.Text)
}

// RunStatus is the externally visible lifecycle state of a run.
type RunStatus string

// Run states reported on the status surface.
const (
	RunPending   RunStatus = "pending"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// RunCounters summarises per-item outcomes of a run.
type RunCounters struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Run is the record kept in the run store and returned by the status API.
type Run struct {
	ID         string      `json:"id"`
	Status     RunStatus   `json:"status"`
	Items      []WorkItem  `json:"items"`
	Output     string      `json:"output,omitempty"`
	ErrorText  string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Counters   RunCounters `json:"counters"`
}

// Task is one dispatched unit of work handed to the worker pool.
type Task struct {
	RunID string   `json:"run_id"`
	Index int      `json:"index"`
	Item  WorkItem `json:"item"`
}

// Aggregate joins display text in declaration order. Every slot must be
// resolved; ok is false otherwise.
func Aggregate(items []WorkItem, results []*ActivityResult) (string, bool) {
	if len(items) != len(results) {
		return "", false
	}
	parts := make([]string, len(items))
	for i, item := range items {
		if results[i] == nil {
			return "", false
		}
		parts[i] = results[i].Display(item)
	}
	return strings.Join(parts, Delimiter), true
}

// ToWorkItems converts raw identifiers, rejecting empty input and blank items.
func ToWorkItems(raw []string) ([]WorkItem, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyRun
	}
	items := make([]WorkItem, len(raw))
	for i, r := range raw {
		trimmed := strings.TrimSpace(r)
		if trimmed == "" {
			return nil, fmt.Errorf("item %d is blank: %w", i, ErrInvalidItem)
		}
		items[i] = WorkItem(trimmed)
	}
	return items, nil
}
