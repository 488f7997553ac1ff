package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

// Run reaps expired runs every ReapInterval until ctx is done, and drops the
// branch scopes of long-finished runs.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Reap(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("reap runs failed", zap.Error(err))
			}
			e.pruneScopes(e.clock.Now())
		}
	}
}

// Reap fails every open run whose join barrier deadline has passed and
// returns how many were failed.
func (e *Engine) Reap(ctx context.Context) (int, error) {
	open, err := e.events.OpenRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open runs: %w", err)
	}
	reaped := 0
	for _, runID := range open {
		ok, err := e.reapOne(ctx, runID)
		if err != nil {
			e.logger.Warn("reap run failed", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

func (e *Engine) reapOne(ctx context.Context, runID string) (bool, error) {
	unlock := e.lock(runID)
	defer unlock()

	state, err := e.load(ctx, runID)
	if err != nil {
		return false, err
	}
	now := e.clock.Now()
	if !state.Expired(now) {
		return false, nil
	}
	reason := fmt.Sprintf("join barrier timed out: %d of %d activities unresolved", state.Unresolved(), len(state.Items))
	if err := e.finish(ctx, state, fanout.RunFailedEvent(now, reason)); err != nil {
		return false, err
	}
	return true, nil
}

// Recover resumes every open run after a restart: items never dispatched are
// dispatched, and tasks dispatched without a recorded result are enqueued
// again. Resolved slots are never re-executed. It returns the number of tasks
// enqueued.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	open, err := e.events.OpenRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open runs: %w", err)
	}
	total := 0
	for _, runID := range open {
		tasks, err := e.recoverOne(ctx, runID)
		if err != nil {
			e.logger.Warn("recover run failed", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if len(tasks) > 0 {
			e.logger.Info("run resumed", zap.String("run_id", runID), zap.Int("tasks", len(tasks)))
		}
		e.enqueue(ctx, tasks)
		total += len(tasks)
	}
	return total, nil
}

func (e *Engine) recoverOne(ctx context.Context, runID string) ([]fanout.Task, error) {
	unlock := e.lock(runID)
	defer unlock()

	state, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return nil, nil
	}
	if _, err := e.runs.GetRun(ctx, runID); err != nil {
		if putErr := e.runs.PutRun(ctx, state.Run()); putErr != nil {
			e.logger.Warn("restore run record failed", zap.String("run_id", runID), zap.Error(putErr))
		}
	}
	redeliver := state.InFlight()
	fresh, err := e.decide(ctx, state)
	if err != nil {
		return nil, err
	}
	return append(redeliver, fresh...), nil
}
