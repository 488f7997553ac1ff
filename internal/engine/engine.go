// Package engine drives the replay-safe fan-out/fan-in core against an event
// log, a run store and the worker pool.
//
// Every evaluation of a run happens under that run's lock: the history is
// loaded, replayed into a fanout.State, and the resulting decision is recorded
// before any side effect leaves the engine. Tasks are handed to the dispatcher
// only after the lock is released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/fanout"
	"github.com/JakeFAU/title-fanout/internal/logging"
	"github.com/JakeFAU/title-fanout/internal/metrics"
)

const tracerName = "github.com/JakeFAU/title-fanout/internal/engine"

// Dispatcher accepts tasks for execution on the worker pool.
type Dispatcher interface {
	Enqueue(ctx context.Context, task fanout.Task) error
}

// Config controls Engine behavior.
type Config struct {
	// RunTimeout bounds the join barrier. Zero disables the deadline.
	RunTimeout time.Duration
	// ReapInterval is how often Run checks open runs against their deadline.
	ReapInterval time.Duration
	// Topic receives run-completed notifications when a publisher is set.
	Topic string
	// ScopeRetention is how long a finished run keeps handing out canceled
	// branch contexts to tasks still waiting in the queue.
	ScopeRetention time.Duration
}

const defaultScopeRetention = 10 * time.Minute

// Engine coordinates runs. It is safe for concurrent use.
type Engine struct {
	events     fanout.EventLog
	runs       fanout.RunStore
	dispatcher Dispatcher
	publisher  fanout.Publisher
	clock      fanout.Clock
	ids        fanout.IDGenerator
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer

	mu     sync.Mutex
	locks  map[string]*runLock
	scopes map[string]*scope
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// scope carries the abort signal shared by every branch of one run. ended is
// set once the run is terminal.
type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	ended  time.Time
}

// New constructs an Engine. publisher is optional.
func New(
	events fanout.EventLog,
	runs fanout.RunStore,
	dispatcher Dispatcher,
	publisher fanout.Publisher,
	clock fanout.Clock,
	ids fanout.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Second
	}
	if cfg.ScopeRetention <= 0 {
		cfg.ScopeRetention = defaultScopeRetention
	}
	return &Engine{
		events:     events,
		runs:       runs,
		dispatcher: dispatcher,
		publisher:  publisher,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		locks:      make(map[string]*runLock),
		scopes:     make(map[string]*scope),
	}
}

// Start records a new run for items and fans out one task per item. It
// returns the run ID once every task is recorded as dispatched.
func (e *Engine) Start(ctx context.Context, items []string) (string, error) {
	workItems, err := fanout.ToWorkItems(items)
	if err != nil {
		return "", err
	}
	runID, err := e.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	ctx, span := e.tracer.Start(ctx, "engine.Start",
		trace.WithAttributes(attribute.String("fanout.run_id", runID), attribute.Int("fanout.items", len(workItems))))
	defer span.End()

	now := e.clock.Now()
	var deadline *time.Time
	if e.cfg.RunTimeout > 0 {
		d := now.Add(e.cfg.RunTimeout)
		deadline = &d
	}

	unlock := e.lock(runID)
	tasks, err := e.startLocked(ctx, runID, fanout.RunStarted(now, workItems, deadline))
	unlock()
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	metrics.ObserveRun("started")
	e.logger.Info("run started", zap.String("run_id", runID), zap.Int("items", len(workItems)))
	e.enqueue(ctx, tasks)
	return runID, nil
}

func (e *Engine) startLocked(ctx context.Context, runID string, started fanout.Event) ([]fanout.Task, error) {
	if err := e.events.Append(ctx, runID, started); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	state, err := fanout.Replay(runID, []fanout.Event{started})
	if err != nil {
		return nil, err
	}
	if err := e.runs.PutRun(ctx, state.Run()); err != nil {
		// Status reads fall back to the event log for runs missing from the store.
		e.logger.Warn("store pending run failed", zap.String("run_id", runID), zap.Error(err))
	}
	return e.decide(ctx, state)
}

// Deliver records the result of one dispatched task. Results for slots that
// already resolved, and results arriving after the run finished, are dropped.
func (e *Engine) Deliver(ctx context.Context, task fanout.Task, result fanout.ActivityResult) error {
	if !result.IsSuccess() {
		result = fanout.Failure(result.Text)
	}
	unlock := e.lock(task.RunID)
	tasks, err := e.deliverLocked(ctx, task, result)
	unlock()
	if err != nil {
		return err
	}
	e.enqueue(ctx, tasks)
	return nil
}

func (e *Engine) deliverLocked(ctx context.Context, task fanout.Task, result fanout.ActivityResult) ([]fanout.Task, error) {
	state, err := e.load(ctx, task.RunID)
	if err != nil {
		return nil, err
	}
	log := logging.ForRun(e.logger, task.RunID).With(zap.Int("index", task.Index))
	if state.Status.IsTerminal() {
		log.Debug("late result dropped", zap.String("status", string(state.Status)))
		e.closeScope(task.RunID)
		return nil, nil
	}
	if task.Index < 0 || task.Index >= len(state.Items) || state.Items[task.Index] != task.Item {
		return nil, fmt.Errorf("deliver %s[%d] %q: %w", task.RunID, task.Index, task.Item, fanout.ErrNondeterministic)
	}
	if !state.Dispatched[task.Index] {
		return nil, fmt.Errorf("deliver %s[%d]: slot was never dispatched: %w",
			task.RunID, task.Index, fanout.ErrNondeterministic)
	}
	if state.Results[task.Index] != nil {
		log.Debug("duplicate result dropped")
		return nil, nil
	}

	evt := fanout.ResultReceived(e.clock.Now(), task.Index, result)
	if err := e.events.Append(ctx, task.RunID, evt); err != nil {
		return nil, fmt.Errorf("record result: %w", err)
	}
	if err := state.Apply(evt); err != nil {
		return nil, err
	}
	log.Debug("result recorded", zap.String("outcome", string(result.Outcome)), zap.Int("unresolved", state.Unresolved()))
	return e.decide(ctx, state)
}

// decide records the next decision for state and returns the tasks to enqueue.
func (e *Engine) decide(ctx context.Context, state *fanout.State) ([]fanout.Task, error) {
	d := state.Decide()
	switch {
	case len(d.Dispatch) > 0:
		now := e.clock.Now()
		events := make([]fanout.Event, len(d.Dispatch))
		for i, task := range d.Dispatch {
			events[i] = fanout.DispatchIssued(now, task)
		}
		if err := e.events.Append(ctx, state.RunID, events...); err != nil {
			return nil, fmt.Errorf("record dispatch: %w", err)
		}
		for _, evt := range events {
			if err := state.Apply(evt); err != nil {
				return nil, err
			}
		}
		return d.Dispatch, nil
	case d.Complete:
		return nil, e.finish(ctx, state, fanout.RunCompletedEvent(e.clock.Now(), d.Output))
	default:
		return nil, nil
	}
}

// finish appends a terminal event and propagates it to the run store, the
// publisher and any running branches.
func (e *Engine) finish(ctx context.Context, state *fanout.State, terminal fanout.Event) error {
	if err := e.events.Append(ctx, state.RunID, terminal); err != nil {
		return fmt.Errorf("record %s: %w", terminal.Type, err)
	}
	if err := state.Apply(terminal); err != nil {
		return err
	}
	e.closeScope(state.RunID)

	run := state.Run()
	metrics.ObserveRun(string(run.Status))
	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("succeeded", run.Counters.Succeeded),
		zap.Int("failed", run.Counters.Failed),
		zap.String("reason", run.ErrorText),
	)
	if err := e.runs.PutRun(ctx, run); err != nil {
		return fmt.Errorf("store %s run: %w", run.Status, err)
	}
	e.publish(ctx, run)
	return nil
}

func (e *Engine) publish(ctx context.Context, run fanout.Run) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"run_id":    run.ID,
		"status":    run.Status,
		"output":    run.Output,
		"error":     run.ErrorText,
		"succeeded": run.Counters.Succeeded,
		"failed":    run.Counters.Failed,
	}
	if run.FinishedAt != nil {
		payload["finished_at"] = run.FinishedAt.Format(time.RFC3339)
	}
	msgID, err := e.publisher.Publish(ctx, e.cfg.Topic, payload)
	if err != nil {
		e.logger.Warn("publish run notification failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	e.logger.Debug("run notification published", zap.String("run_id", run.ID), zap.String("message_id", msgID))
}

// Cancel aborts a pending run. Branches still executing observe a canceled
// context and their late results are dropped.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "canceled by request"
	}
	unlock := e.lock(runID)
	defer unlock()

	state, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: %w", runID, fanout.ErrRunTerminal)
	}
	return e.finish(ctx, state, fanout.RunCanceledEvent(e.clock.Now(), reason))
}

// Get returns the run record. The store is authoritative for finished runs;
// a missing or pending record is reconciled with the event log.
func (e *Engine) Get(ctx context.Context, runID string) (fanout.Run, error) {
	stored, err := e.runs.GetRun(ctx, runID)
	switch {
	case err == nil && stored.Status.IsTerminal():
		return stored, nil
	case err != nil && !errors.Is(err, fanout.ErrNotFound):
		return fanout.Run{}, fmt.Errorf("get run: %w", err)
	}
	found := err == nil
	state, err := e.load(ctx, runID)
	if err != nil {
		if found && errors.Is(err, fanout.ErrNotFound) {
			return stored, nil
		}
		return fanout.Run{}, err
	}
	replayed := state.Run()
	if replayed.Status.IsTerminal() {
		if err := e.runs.PutRun(ctx, replayed); err != nil {
			e.logger.Warn("repair run record failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return replayed, nil
}

// History returns the recorded events of a run.
func (e *Engine) History(ctx context.Context, runID string) ([]fanout.Event, error) {
	events, err := e.events.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(events) == 0 {
		return nil, fanout.ErrNotFound
	}
	return events, nil
}

// List returns recent runs, most recent first.
func (e *Engine) List(ctx context.Context, limit int) ([]fanout.Run, error) {
	runs, err := e.runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// BranchContext derives the context an activity of runID executes under. It is
// canceled when the run reaches a terminal state.
func (e *Engine) BranchContext(ctx context.Context, runID string) (context.Context, context.CancelFunc) {
	abort := e.scope(runID)
	branch, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(abort, cancel)
	return branch, func() {
		stop()
		cancel()
	}
}

func (e *Engine) load(ctx context.Context, runID string) (*fanout.State, error) {
	history, err := e.events.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	state, err := fanout.Replay(runID, history)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return state, nil
}

func (e *Engine) enqueue(ctx context.Context, tasks []fanout.Task) {
	// Dispatch is already recorded; the enqueue must not die with a client request.
	ctx = context.WithoutCancel(ctx)
	for _, task := range tasks {
		if err := e.dispatcher.Enqueue(ctx, task); err != nil {
			e.logger.Error("enqueue task failed",
				zap.String("run_id", task.RunID), zap.Int("index", task.Index), zap.Error(err))
		}
	}
}

func (e *Engine) lock(runID string) func() {
	e.mu.Lock()
	l, ok := e.locks[runID]
	if !ok {
		l = &runLock{}
		e.locks[runID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, runID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) scope(runID string) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scopes[runID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &scope{ctx: ctx, cancel: cancel}
		e.scopes[runID] = s
	}
	return s.ctx
}

// closeScope cancels every branch of runID. The canceled scope is kept so
// that branches dequeued later start out canceled.
func (e *Engine) closeScope(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scopes[runID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &scope{ctx: ctx, cancel: cancel}
		e.scopes[runID] = s
	}
	if s.ended.IsZero() {
		s.ended = e.clock.Now()
	}
	s.cancel()
}

// pruneScopes forgets finished runs older than ScopeRetention.
func (e *Engine) pruneScopes(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for runID, s := range e.scopes {
		if !s.ended.IsZero() && now.Sub(s.ended) >= e.cfg.ScopeRetention {
			delete(e.scopes, runID)
			pruned++
		}
	}
	return pruned
}
