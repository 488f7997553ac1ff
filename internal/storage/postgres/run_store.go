package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

const (
	upsertRunSQL = `
INSERT INTO runs (id, status, items, output, error_text, started_at, finished_at, succeeded, failed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	output = EXCLUDED.output,
	error_text = EXCLUDED.error_text,
	finished_at = EXCLUDED.finished_at,
	succeeded = EXCLUDED.succeeded,
	failed = EXCLUDED.failed`

	runColumns = `id, status, items, output, error_text, started_at, finished_at, succeeded, failed`

	getRunSQL   = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	listRunsSQL = `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC LIMIT $1`
)

// RunStore keeps run records in the runs table.
type RunStore struct {
	db DB
}

// NewRunStore wraps db.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &RunStore{db: db}, nil
}

// PutRun upserts the record. Items are fixed at insert.
func (s *RunStore) PutRun(ctx context.Context, run fanout.Run) error {
	items, err := json.Marshal(run.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	if _, err := s.db.Exec(ctx, upsertRunSQL,
		run.ID,
		string(run.Status),
		items,
		run.Output,
		run.ErrorText,
		run.StartedAt,
		run.FinishedAt,
		run.Counters.Succeeded,
		run.Counters.Failed,
	); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun fetches one record.
func (s *RunStore) GetRun(ctx context.Context, runID string) (fanout.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, getRunSQL, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fanout.Run{}, fanout.ErrNotFound
	}
	if err != nil {
		return fanout.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit records, most recently started first. A
// non-positive limit returns every record.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]fanout.Run, error) {
	var arg any
	if limit > 0 {
		arg = limit
	}
	rows, err := s.db.Query(ctx, listRunsSQL, arg)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []fanout.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (fanout.Run, error) {
	var (
		run        fanout.Run
		status     string
		items      []byte
		finishedAt *time.Time
	)
	if err := row.Scan(
		&run.ID,
		&status,
		&items,
		&run.Output,
		&run.ErrorText,
		&run.StartedAt,
		&finishedAt,
		&run.Counters.Succeeded,
		&run.Counters.Failed,
	); err != nil {
		return fanout.Run{}, err
	}
	if err := json.Unmarshal(items, &run.Items); err != nil {
		return fanout.Run{}, fmt.Errorf("decode items: %w", err)
	}
	run.Status = fanout.RunStatus(status)
	run.FinishedAt = finishedAt
	return run, nil
}
