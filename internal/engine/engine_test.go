package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/dispatcher"
	"github.com/JakeFAU/title-fanout/internal/fanout"
	"github.com/JakeFAU/title-fanout/internal/queue/memory"
	storemem "github.com/JakeFAU/title-fanout/internal/storage/memory"
	"github.com/JakeFAU/title-fanout/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%03d", g.n), nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []fanout.Task
}

func (d *recordingDispatcher) Enqueue(_ context.Context, task fanout.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) indices() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.tasks))
	for i, task := range d.tasks {
		out[i] = task.Index
	}
	return out
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload.(map[string]any))
	return fmt.Sprintf("msg-%d", len(p.payloads)), nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type fixture struct {
	engine     *Engine
	events     *storemem.EventLog
	runs       *storemem.RunStore
	dispatcher *recordingDispatcher
	publisher  *recordingPublisher
	clock      *fakeClock
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		events:     storemem.NewEventLog(),
		runs:       storemem.NewRunStore(),
		dispatcher: &recordingDispatcher{},
		publisher:  &recordingPublisher{},
		clock:      newFakeClock(),
	}
	f.engine = f.restart(cfg)
	return f
}

// restart builds a fresh engine over the same durable state, as after a crash.
func (f *fixture) restart(cfg Config) *Engine {
	f.dispatcher = &recordingDispatcher{}
	return New(f.events, f.runs, f.dispatcher, f.publisher, f.clock, &seqIDs{}, cfg, zap.NewNop())
}

func countEvents(t *testing.T, log fanout.EventLog, runID string, typ fanout.EventType) int {
	t.Helper()
	history, err := log.Load(context.Background(), runID)
	require.NoError(t, err)
	n := 0
	for _, evt := range history {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

var threeItems = []string{"https://a.example", "https://b.example", "https://c.example"}

func TestStart_FansOutEveryItemBeforeAnyResult(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	runID, err := f.engine.Start(context.Background(), threeItems)
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 2}, f.dispatcher.indices())
	require.Equal(t, 3, countEvents(t, f.events, runID, fanout.EventDispatchIssued))

	run, err := f.engine.Get(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, fanout.RunPending, run.Status)
	require.Empty(t, run.Output)
}

func TestStart_RejectsEmptyInput(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	_, err := f.engine.Start(context.Background(), nil)
	require.ErrorIs(t, err, fanout.ErrEmptyRun)

	_, err = f.engine.Start(context.Background(), []string{"https://a.example", " "})
	require.ErrorIs(t, err, fanout.ErrInvalidItem)
}

func TestDeliver_CompletesInDeclarationOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Topic: "runs"})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems)
	require.NoError(t, err)
	tasks := f.dispatcher.tasks

	// Completion order differs from declaration order.
	require.NoError(t, f.engine.Deliver(ctx, tasks[2], fanout.Success("C")))
	require.NoError(t, f.engine.Deliver(ctx, tasks[0], fanout.Success("A")))
	run, err := f.engine.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, fanout.RunPending, run.Status)

	require.NoError(t, f.engine.Deliver(ctx, tasks[1], fanout.Failure("timeout")))
	run, err = f.engine.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, fanout.RunCompleted, run.Status)
	require.Equal(t, "A; Error fetching from https://b.example: timeout; C", run.Output)
	require.Equal(t, fanout.RunCounters{Succeeded: 2, Failed: 1}, run.Counters)
	require.NotNil(t, run.FinishedAt)

	require.Equal(t, 1, f.publisher.count())
	require.Equal(t, runID, f.publisher.payloads[0]["run_id"])
}

func TestDeliver_DuplicateAndLateResultsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems[:1])
	require.NoError(t, err)
	task := f.dispatcher.tasks[0]

	require.NoError(t, f.engine.Deliver(ctx, task, fanout.Success("A")))
	require.NoError(t, f.engine.Deliver(ctx, task, fanout.Success("A again")))

	require.Equal(t, 1, countEvents(t, f.events, runID, fanout.EventResultReceived))
	run, err := f.engine.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "A", run.Output)
}

func TestDeliver_DuplicateBeforeCompletionKeepsFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems[:2])
	require.NoError(t, err)
	first := f.dispatcher.tasks[0]

	require.NoError(t, f.engine.Deliver(ctx, first, fanout.Success("A")))
	require.NoError(t, f.engine.Deliver(ctx, first, fanout.Failure("second copy")))
	require.NoError(t, f.engine.Deliver(ctx, f.dispatcher.tasks[1], fanout.Success("B")))

	run, err := f.engine.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "A; B", run.Output)
}

func TestDeliver_RejectsUnknownSlots(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems)
	require.NoError(t, err)

	err = f.engine.Deliver(ctx, fanout.Task{RunID: runID, Index: 7, Item: "x"}, fanout.Success("X"))
	require.ErrorIs(t, err, fanout.ErrNondeterministic)
	err = f.engine.Deliver(ctx, fanout.Task{RunID: runID, Index: 0, Item: "https://other.example"}, fanout.Success("X"))
	require.ErrorIs(t, err, fanout.ErrNondeterministic)
	err = f.engine.Deliver(ctx, fanout.Task{RunID: "missing", Index: 0, Item: "x"}, fanout.Success("X"))
	require.ErrorIs(t, err, fanout.ErrNotFound)
}

func TestDeliver_NormalizesEmptyFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems[:1])
	require.NoError(t, err)

	require.NoError(t, f.engine.Deliver(ctx, f.dispatcher.tasks[0], fanout.ActivityResult{}))
	run, err := f.engine.Get(ctx, runID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(run.Output, "Error fetching from https://a.example: "))
	require.NotEqual(t, "Error fetching from https://a.example: ", run.Output)
}

func TestRecover_RedeliversOnlyUnresolvedSlots(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems)
	require.NoError(t, err)
	require.NoError(t, f.engine.Deliver(ctx, f.dispatcher.tasks[1], fanout.Success("B")))

	restarted := f.restart(Config{})
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int{0, 2}, f.dispatcher.indices())
	require.Equal(t, 3, countEvents(t, f.events, runID, fanout.EventDispatchIssued), "no slot is dispatched twice")

	for _, task := range f.dispatcher.tasks {
		require.NoError(t, restarted.Deliver(ctx, task, fanout.Success(strings.ToUpper(string(task.Item[8:9])))))
	}
	run, err := restarted.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "A; B; C", run.Output)
}

func TestRecover_DispatchesRunsThatNeverFannedOut(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	items := []fanout.WorkItem{"https://a.example", "https://b.example"}
	require.NoError(t, f.events.Append(ctx, "crashed", fanout.RunStarted(f.clock.Now(), items, nil)))

	n, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, countEvents(t, f.events, "crashed", fanout.EventDispatchIssued))

	run, err := f.runs.GetRun(ctx, "crashed")
	require.NoError(t, err, "recovery restores the missing run record")
	require.Equal(t, fanout.RunPending, run.Status)
}

func TestRecover_CompletesFullyResolvedRun(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	at := f.clock.Now()
	item := fanout.WorkItem("https://a.example")
	require.NoError(t, f.events.Append(ctx, "resolved",
		fanout.RunStarted(at, []fanout.WorkItem{item}, nil),
		fanout.DispatchIssued(at, fanout.Task{Index: 0, Item: item}),
		fanout.ResultReceived(at, 0, fanout.Success("A")),
	))

	n, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	run, err := f.engine.Get(ctx, "resolved")
	require.NoError(t, err)
	require.Equal(t, fanout.RunCompleted, run.Status)
	require.Equal(t, "A", run.Output)
}

func TestReap_FailsRunsPastDeadline(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{RunTimeout: time.Minute})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems)
	require.NoError(t, err)
	require.NoError(t, f.engine.Deliver(ctx, f.dispatcher.tasks[0], fanout.Success("A")))

	n, err := f.engine.Reap(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.engine.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	run, err := f.engine.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, fanout.RunFailed, run.Status)
	require.Equal(t, "join barrier timed out: 2 of 3 activities unresolved", run.ErrorText)
	require.Empty(t, run.Output)

	// A straggler arriving after the timeout is ignored.
	require.NoError(t, f.engine.Deliver(ctx, f.dispatcher.tasks[1], fanout.Success("B")))
	require.Equal(t, 1, countEvents(t, f.events, runID, fanout.EventResultReceived))
}

func TestRun_ReaperLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{RunTimeout: time.Second, ReapInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runID, err := f.engine.Start(ctx, threeItems[:1])
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	f.clock.Advance(time.Hour)

	require.Eventually(t, func() bool {
		run, err := f.engine.Get(ctx, runID)
		return err == nil && run.Status == fanout.RunFailed
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems)
	require.NoError(t, err)

	branch, release := f.engine.BranchContext(ctx, runID)
	defer release()

	require.NoError(t, f.engine.Cancel(ctx, runID, ""))
	select {
	case <-branch.Done():
	case <-time.After(time.Second):
		t.Fatal("branch context not canceled")
	}

	run, err := f.engine.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, fanout.RunCanceled, run.Status)
	require.Empty(t, run.Output)
	require.NotEmpty(t, run.ErrorText)

	require.ErrorIs(t, f.engine.Cancel(ctx, runID, "again"), fanout.ErrRunTerminal)
	require.ErrorIs(t, f.engine.Cancel(ctx, "missing", ""), fanout.ErrNotFound)
	require.NoError(t, f.engine.Deliver(ctx, f.dispatcher.tasks[0], fanout.Success("A")))
	require.Zero(t, countEvents(t, f.events, runID, fanout.EventResultReceived))
}

func TestBranchContext_QueuedBranchOfEndedRunStartsCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{ScopeRetention: time.Minute})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems[:2])
	require.NoError(t, err)

	running, release := f.engine.BranchContext(ctx, runID)
	defer release()
	require.NoError(t, f.engine.Cancel(ctx, runID, ""))
	require.ErrorIs(t, running.Err(), context.Canceled)

	queued, releaseQueued := f.engine.BranchContext(ctx, runID)
	defer releaseQueued()
	require.ErrorIs(t, queued.Err(), context.Canceled)

	require.Zero(t, f.engine.pruneScopes(f.clock.Now().Add(30*time.Second)))
	require.Equal(t, 1, f.engine.pruneScopes(f.clock.Now().Add(time.Minute)))
}

func TestBranchContext_ReapedRunCancelsLaterBranches(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{RunTimeout: time.Second})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems[:1])
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	reaped, err := f.engine.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	branch, release := f.engine.BranchContext(ctx, runID)
	defer release()
	require.ErrorIs(t, branch.Err(), context.Canceled)
}

func TestBranchContext_ReleaseDoesNotCancelRun(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	runID, err := f.engine.Start(ctx, threeItems[:1])
	require.NoError(t, err)

	first, release := f.engine.BranchContext(ctx, runID)
	release()
	require.Error(t, first.Err())

	second, release2 := f.engine.BranchContext(ctx, runID)
	defer release2()
	require.NoError(t, second.Err())
}

func TestGet_FallsBackToEventLog(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	at := f.clock.Now()
	item := fanout.WorkItem("https://a.example")
	require.NoError(t, f.events.Append(ctx, "unstored",
		fanout.RunStarted(at, []fanout.WorkItem{item}, nil),
		fanout.DispatchIssued(at, fanout.Task{Index: 0, Item: item}),
		fanout.ResultReceived(at, 0, fanout.Success("A")),
		fanout.RunCompletedEvent(at, "A"),
	))

	run, err := f.engine.Get(ctx, "unstored")
	require.NoError(t, err)
	require.Equal(t, fanout.RunCompleted, run.Status)

	stored, err := f.runs.GetRun(ctx, "unstored")
	require.NoError(t, err, "terminal records are repaired on read")
	require.Equal(t, "A", stored.Output)

	_, err = f.engine.Get(ctx, "missing")
	require.ErrorIs(t, err, fanout.ErrNotFound)
}

func TestHistoryAndList(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ctx := context.Background()
	first, err := f.engine.Start(ctx, threeItems[:1])
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.engine.Start(ctx, threeItems[:2])
	require.NoError(t, err)

	history, err := f.engine.History(ctx, second)
	require.NoError(t, err)
	require.Equal(t, fanout.EventRunStarted, history[0].Type)
	require.Len(t, history, 3)

	runs, err := f.engine.List(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{second, first}, []string{runs[0].ID, runs[1].ID})

	_, err = f.engine.History(ctx, "missing")
	require.ErrorIs(t, err, fanout.ErrNotFound)
}

// delayedActivity resolves each item after a random delay.
type delayedActivity struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	results map[fanout.WorkItem]fanout.ActivityResult
}

func (a *delayedActivity) Execute(ctx context.Context, item fanout.WorkItem) fanout.ActivityResult {
	a.mu.Lock()
	delay := time.Duration(a.rnd.Intn(15)) * time.Millisecond
	a.mu.Unlock()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return fanout.Failure(ctx.Err().Error())
	}
	if r, ok := a.results[item]; ok {
		return r
	}
	return fanout.Success("title " + string(item))
}

func runPool(t *testing.T, act fanout.Activity, concurrency int) (*Engine, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	queue := memory.NewQueue(64)
	eng := New(storemem.NewEventLog(), storemem.NewRunStore(), nil, nil, newFakeClock(), &seqIDs{}, Config{}, zap.NewNop())
	workers := make([]dispatcher.Runner, concurrency)
	for i := range workers {
		workers[i] = worker.New(i, queue, act, eng, zap.NewNop())
	}
	pool := dispatcher.New(queue, workers)
	eng.dispatcher = pool
	go pool.Run(ctx)
	return eng, ctx
}

func awaitTerminal(t *testing.T, eng *Engine, ctx context.Context, runID string) fanout.Run {
	t.Helper()
	var run fanout.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = eng.Get(ctx, runID)
		return err == nil && run.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestEndToEnd_MixedOutcomes(t *testing.T) {
	t.Parallel()

	items := []string{"https://a.example", "https://b.example", "https://c.example", "https://slow.example"}
	act := &delayedActivity{
		rnd: rand.New(rand.NewSource(1)),
		results: map[fanout.WorkItem]fanout.ActivityResult{
			"https://a.example":    fanout.Success("A"),
			"https://b.example":    fanout.Success("B"),
			"https://c.example":    fanout.Success("C"),
			"https://slow.example": fanout.Failure("timeout"),
		},
	}
	eng, ctx := runPool(t, act, 4)

	runID, err := eng.Start(ctx, items)
	require.NoError(t, err)
	run := awaitTerminal(t, eng, ctx, runID)
	require.Equal(t, fanout.RunCompleted, run.Status)
	require.Equal(t, "A; B; C; Error fetching from https://slow.example: timeout", run.Output)
}

func TestEndToEnd_OrderIndependentOfCompletion(t *testing.T) {
	t.Parallel()

	act := &delayedActivity{rnd: rand.New(rand.NewSource(42))}
	eng, ctx := runPool(t, act, 8)

	items := make([]string, 25)
	want := make([]string, len(items))
	for i := range items {
		items[i] = fmt.Sprintf("https://site%02d.example", i)
		want[i] = "title " + items[i]
	}
	for round := 0; round < 3; round++ {
		runID, err := eng.Start(ctx, items)
		require.NoError(t, err)
		run := awaitTerminal(t, eng, ctx, runID)
		segments := strings.Split(run.Output, fanout.Delimiter)
		require.Len(t, segments, len(items))
		require.Equal(t, want, segments)
	}
}

func TestEndToEnd_SingleWorkerStillCompletes(t *testing.T) {
	t.Parallel()

	act := &delayedActivity{rnd: rand.New(rand.NewSource(7))}
	eng, ctx := runPool(t, act, 1)

	runID, err := eng.Start(ctx, threeItems)
	require.NoError(t, err)
	run := awaitTerminal(t, eng, ctx, runID)
	require.Equal(t, "title https://a.example; title https://b.example; title https://c.example", run.Output)
}
