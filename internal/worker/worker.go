// Package worker implements the execution loop that runs activities for
// dispatched tasks and reports their results back to the engine.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/fanout"
	"github.com/JakeFAU/title-fanout/internal/metrics"
)

// ResultSink receives resolved results and scopes branch contexts to a run.
type ResultSink interface {
	Deliver(ctx context.Context, task fanout.Task, result fanout.ActivityResult) error
	BranchContext(ctx context.Context, runID string) (context.Context, context.CancelFunc)
}

// Worker consumes tasks and executes the configured activity.
type Worker struct {
	id       int
	queue    fanout.Queue
	activity fanout.Activity
	sink     ResultSink
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	queue fanout.Queue,
	activity fanout.Activity,
	sink ResultSink,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		activity: activity,
		sink:     sink,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fanout.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("run_id", task.RunID), zap.Int("index", task.Index), zap.String("item", string(task.Item)))
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task fanout.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	result := w.execute(ctx, task)
	if err := w.sink.Deliver(ctx, task, result); err != nil {
		w.logger.Error("deliver result failed",
			zap.String("run_id", task.RunID), zap.Int("index", task.Index), zap.Error(err))
		return
	}
	w.logger.Debug("result delivered",
		zap.String("run_id", task.RunID),
		zap.Int("index", task.Index),
		zap.String("outcome", string(result.Outcome)),
	)
}

// execute runs the activity inside the branch boundary: whatever happens, the
// slot receives exactly one result.
func (w *Worker) execute(ctx context.Context, task fanout.Task) (result fanout.ActivityResult) {
	branchCtx, cancel := w.sink.BranchContext(ctx, task.RunID)
	defer cancel()
	branchCtx = fanout.WithRunID(branchCtx, task.RunID)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("activity panicked",
				zap.String("run_id", task.RunID), zap.Int("index", task.Index), zap.Any("panic", r))
			result = fanout.Failure(fmt.Sprintf("activity panicked: %v", r))
		}
	}()
	if w.activity == nil {
		return fanout.Failure("no activity configured")
	}
	return w.activity.Execute(branchCtx, task.Item)
}
