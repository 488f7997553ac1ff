package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

// RunStore provides an in-memory fanout.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]fanout.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]fanout.Run)}
}

// PutRun inserts or replaces the record for run.ID.
func (s *RunStore) PutRun(_ context.Context, run fanout.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Items = append([]fanout.WorkItem(nil), run.Items...)
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (fanout.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return fanout.Run{}, fanout.ErrNotFound
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recently started first. A
// non-positive limit returns every run.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]fanout.Run, error) {
	s.mu.RLock()
	runs := make([]fanout.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	SortRecentFirst(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// SortRecentFirst orders runs by start time descending, breaking ties by ID.
func SortRecentFirst(runs []fanout.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}
