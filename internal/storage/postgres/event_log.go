package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

const (
	insertEventSQL = `
INSERT INTO run_events (run_id, seq, type, payload, recorded_at)
VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = $1), $2, $3, $4)`

	loadEventsSQL = `SELECT seq, payload FROM run_events WHERE run_id = $1 ORDER BY seq`

	openRunsSQL = `
SELECT DISTINCT e.run_id FROM run_events e
WHERE NOT EXISTS (
	SELECT 1 FROM run_events t
	WHERE t.run_id = e.run_id AND t.type IN ('run_completed', 'run_failed', 'run_canceled')
)
ORDER BY e.run_id`
)

// EventLog stores run histories in the run_events table. The sequence column
// is authoritative; the payload holds the rest of the event.
type EventLog struct {
	db DB
}

// NewEventLog wraps db.
func NewEventLog(db DB) (*EventLog, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &EventLog{db: db}, nil
}

// Append inserts events in one transaction.
func (l *EventLog) Append(ctx context.Context, runID string, events ...fanout.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, evt := range events {
		evt.Seq = 0
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.Exec(ctx, insertEventSQL, runID, string(evt.Type), payload, evt.At); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Load returns the history of runID ordered by sequence.
func (l *EventLog) Load(ctx context.Context, runID string) ([]fanout.Event, error) {
	rows, err := l.db.Query(ctx, loadEventsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var history []fanout.Event
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var evt fanout.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		evt.Seq = seq
		history = append(history, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(history) == 0 {
		return nil, fanout.ErrNotFound
	}
	return history, nil
}

// OpenRuns lists runs without a terminal event.
func (l *EventLog) OpenRuns(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, openRunsSQL)
	if err != nil {
		return nil, fmt.Errorf("query open runs: %w", err)
	}
	defer rows.Close()

	var open []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		open = append(open, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open runs: %w", err)
	}
	return open, nil
}
