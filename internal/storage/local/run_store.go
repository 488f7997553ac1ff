package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

const runsDir = "runs"

// RunStore keeps one JSON document per run under <base>/runs.
type RunStore struct {
	dir    string
	logger *zap.Logger
}

// NewRunStore creates the runs directory below cfg.BaseDir.
func NewRunStore(cfg Config, logger *zap.Logger) (*RunStore, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.BaseDir, runsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create runs directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunStore{dir: dir, logger: logger}, nil
}

// PutRun atomically replaces the run document.
func (s *RunStore) PutRun(_ context.Context, run fanout.Run) error {
	path, err := s.path(run.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return writeFileAtomic(path, data)
}

// GetRun reads a run document.
func (s *RunStore) GetRun(_ context.Context, runID string) (fanout.Run, error) {
	path, err := s.path(runID)
	if err != nil {
		return fanout.Run{}, err
	}
	// #nosec G304 -- path is built from a validated run ID below the runs directory.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fanout.Run{}, fanout.ErrNotFound
		}
		return fanout.Run{}, fmt.Errorf("read run file: %w", err)
	}
	var run fanout.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return fanout.Run{}, fmt.Errorf("parse run file: %w", err)
	}
	return run, nil
}

// ListRuns loads every run document, most recently started first.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]fanout.Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read runs directory: %w", err)
	}
	runs := make([]fanout.Run, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		// #nosec G304 -- path comes from listing the runs directory.
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read run file", zap.String("file", path), zap.Error(err))
			continue
		}
		var run fanout.Run
		if err := json.Unmarshal(data, &run); err != nil {
			s.logger.Warn("failed to parse run file", zap.String("file", path), zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *RunStore) path(runID string) (string, error) {
	if !validRunID.MatchString(runID) {
		return "", fmt.Errorf("invalid run id %q: %w", runID, fanout.ErrNotFound)
	}
	return filepath.Join(s.dir, runID+".json"), nil
}
