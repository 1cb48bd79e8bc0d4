package orchestrator

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aristath/taskgraph/internal/bridge"
	"github.com/aristath/taskgraph/internal/checkpoint"
	"github.com/aristath/taskgraph/internal/control"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/locks"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	bridge *bridge.MemoryBridge
	locks  *locks.Manager
	cps    *checkpoint.Manager
	clock  *clock.Mock
	deps   Deps
}

func newHarness(t *testing.T, nodes []scheduler.TaskNode, hints scheduler.Hints, maxConcurrent int) *harness {
	t.Helper()
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	lm, err := locks.NewManager(dir+"/locks", locks.WithClock(mock), locks.WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	cps := checkpoint.NewManager(dir+"/checkpoint.json", checkpoint.WithClock(mock))
	b := bridge.NewMemoryBridge(1)

	h := &harness{bridge: b, locks: lm, cps: cps, clock: mock}
	h.deps = Deps{
		Source: func() (*scheduler.Scheduler, error) {
			return scheduler.New(nodes, hints, maxConcurrent)
		},
		Bridge:      b,
		Locks:       lm,
		Checkpoints: cps,
		Clock:       mock,
	}
	return h
}

func (h *harness) loop(cfg LoopConfig) *Loop {
	if cfg.RunID == "" {
		cfg.RunID = "run-test"
	}
	return NewLoop(cfg, h.deps)
}

func task(id string, deps ...string) scheduler.TaskNode {
	return scheduler.TaskNode{ID: id, Dependencies: deps, EstimatedDuration: 1}
}

func diamond() []scheduler.TaskNode {
	return []scheduler.TaskNode{task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")}
}

func tick(t *testing.T, l *Loop) TickReport {
	t.Helper()
	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	return report
}

func statusOf(t *testing.T, l *Loop, id string) scheduler.TaskStatus {
	t.Helper()
	for _, task := range l.Tasks() {
		if task.ID == id {
			return task.Status
		}
	}
	t.Fatalf("task %s not found", id)
	return 0
}

func TestTickWalksDiamond(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	l := h.loop(LoopConfig{})

	r := tick(t, l)
	assert.Equal(t, []string{"A"}, r.Dispatched)
	assert.True(t, h.cps.Exists(), "every tick checkpoints")

	r = tick(t, l)
	assert.Equal(t, []string{"A"}, r.Completed)
	assert.Equal(t, []string{"B", "C"}, r.Promoted)
	assert.Equal(t, []string{"B", "C"}, r.Dispatched)

	r = tick(t, l)
	assert.Equal(t, []string{"B", "C"}, r.Completed)
	assert.Equal(t, []string{"D"}, r.Dispatched)
	assert.False(t, r.Done)

	r = tick(t, l)
	assert.Equal(t, []string{"D"}, r.Completed)
	assert.True(t, r.Done)
	assert.False(t, h.cps.Exists(), "a finished graph clears its checkpoint")

	summary := l.Summary()
	assert.True(t, summary.OK())
	assert.Equal(t, 4, summary.Total())
	assert.Equal(t, 4, summary.Ticks)
	assert.Equal(t, []string{"A", "B", "C", "D"}, h.bridge.Dispatched())
}

func TestTickFailureCascades(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	h.bridge.Fail("A", "exit status 1")
	l := h.loop(LoopConfig{})

	tick(t, l)
	r := tick(t, l)
	assert.Equal(t, []string{"A"}, r.Failed)
	assert.Equal(t, []string{"B", "C", "D"}, r.Skipped)
	assert.Empty(t, r.Dispatched)
	assert.True(t, r.Done)

	summary := l.Summary()
	assert.False(t, summary.OK())
	assert.Equal(t, []string{"A"}, summary.Failed)
	assert.Equal(t, []string{"B", "C", "D"}, summary.Skipped)
	assert.Empty(t, summary.Pending)
}

func TestTickHonorsSerialHint(t *testing.T) {
	nodes := []scheduler.TaskNode{task("m1"), task("m2"), task("m3")}
	for i := range nodes {
		nodes[i].Type = "migration"
	}
	hints := scheduler.Hints{"migration": {MaxWorkers: 4, CanParallel: false}}
	h := newHarness(t, nodes, hints, 4)
	l := h.loop(LoopConfig{})

	assert.Equal(t, []string{"m1"}, tick(t, l).Dispatched)
	assert.Equal(t, []string{"m2"}, tick(t, l).Dispatched)
	assert.Equal(t, []string{"m3"}, tick(t, l).Dispatched)
}

func TestTickBudgetCountsRunningTasks(t *testing.T) {
	h := newHarness(t, []scheduler.TaskNode{task("a"), task("b"), task("c")}, nil, 2)
	h.bridge = bridge.NewMemoryBridge(3)
	h.deps.Bridge = h.bridge
	l := h.loop(LoopConfig{})

	assert.Equal(t, []string{"a", "b"}, tick(t, l).Dispatched)
	r := tick(t, l)
	assert.Empty(t, r.Dispatched, "both slots are still busy")
	assert.Equal(t, scheduler.TaskReady, statusOf(t, l, "c"))
}

func TestTickLockContention(t *testing.T) {
	nodes := []scheduler.TaskNode{task("t1"), task("t2")}
	nodes[0].ResourceLock = "database"
	nodes[1].ResourceLock = "database"
	h := newHarness(t, nodes, nil, 4)
	bus := events.NewEventBus()
	defer bus.Close()
	lockEvents := bus.Subscribe(16, events.TopicLock)
	h.deps.Bus = bus
	l := h.loop(LoopConfig{})

	r := tick(t, l)
	assert.Equal(t, []string{"t1"}, r.Dispatched)
	assert.Equal(t, []string{"t2"}, r.Contended)
	assert.Equal(t, scheduler.TaskReady, statusOf(t, l, "t2"))

	ev := <-lockEvents
	contended, ok := ev.(events.LockContendedEvent)
	require.True(t, ok, "expected LockContendedEvent, got %T", ev)
	assert.Equal(t, "t1", contended.Holder)

	// t1 finishes and releases; t2 takes the lock in the same tick
	r = tick(t, l)
	assert.Equal(t, []string{"t1"}, r.Completed)
	assert.Equal(t, []string{"t2"}, r.Dispatched)

	records, err := h.locks.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t2", records[0].Holder)

	tick(t, l)
	locked, err := h.locks.IsLocked("database")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestTickExternalHolderBlocksUntilExpiry(t *testing.T) {
	nodes := []scheduler.TaskNode{task("migrate")}
	nodes[0].ResourceLock = "schema"
	h := newHarness(t, nodes, nil, 4)
	_, err := h.locks.TryAcquire("schema", "other-process", time.Minute)
	require.NoError(t, err)
	l := h.loop(LoopConfig{})

	r := tick(t, l)
	assert.Equal(t, []string{"migrate"}, r.Contended)

	h.clock.Add(2 * time.Minute)
	r = tick(t, l)
	assert.Equal(t, 1, r.Reclaimed)
	assert.Equal(t, []string{"migrate"}, r.Dispatched)
}

func TestTickRenewsRunningLocks(t *testing.T) {
	nodes := []scheduler.TaskNode{task("long")}
	nodes[0].ResourceLock = "gpu"
	h := newHarness(t, nodes, nil, 4)
	h.bridge = bridge.NewMemoryBridge(100)
	h.deps.Bridge = h.bridge
	l := h.loop(LoopConfig{LockTTL: 10 * time.Second})

	tick(t, l)
	for i := 0; i < 3; i++ {
		h.clock.Add(8 * time.Second)
		r := tick(t, l)
		assert.Zero(t, r.Reclaimed, "a running holder's lease must not lapse")
	}

	records, err := h.locks.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), records[0].ExpiresAt)
}

func TestTickDispatchFailureLeavesTaskReady(t *testing.T) {
	nodes := []scheduler.TaskNode{task("A")}
	nodes[0].ResourceLock = "cache"
	h := newHarness(t, nodes, nil, 4)
	h.bridge.FailDispatch("A", errors.New("bridge unavailable"))
	l := h.loop(LoopConfig{})

	r := tick(t, l)
	assert.Empty(t, r.Dispatched)
	assert.Equal(t, scheduler.TaskReady, statusOf(t, l, "A"))
	locked, err := h.locks.IsLocked("cache")
	require.NoError(t, err)
	assert.False(t, locked, "the lock is released when dispatch fails")

	assert.Equal(t, []string{"A"}, tick(t, l).Dispatched)
}

func TestTickPollErrorKeepsTaskRunning(t *testing.T) {
	h := newHarness(t, []scheduler.TaskNode{task("A")}, nil, 4)
	l := h.loop(LoopConfig{})
	tick(t, l)

	h.bridge.FailPoll("A", errors.New("transient"))
	r := tick(t, l)
	assert.Empty(t, r.Completed)
	assert.Equal(t, scheduler.TaskRunning, statusOf(t, l, "A"))

	h.bridge.FailPoll("A", nil)
	assert.Equal(t, []string{"A"}, tick(t, l).Completed)
}

func TestTickPausedDoesNotDispatch(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	h.deps.Control = control.Static{Pause: true}
	l := h.loop(LoopConfig{})

	r := tick(t, l)
	assert.True(t, r.Paused)
	assert.Empty(t, r.Dispatched)
	assert.True(t, h.cps.Exists())
}

func TestTickReleasesCompletedWorkspacesOnly(t *testing.T) {
	h := newHarness(t, []scheduler.TaskNode{task("A"), task("B")}, nil, 4)
	h.bridge.Fail("B", "exit status 1")
	l := h.loop(LoopConfig{})

	tick(t, l)
	r := tick(t, l)
	require.Equal(t, []string{"A"}, r.Completed)
	require.Equal(t, []string{"B"}, r.Failed)
	assert.Equal(t, []string{"A"}, h.bridge.Released(), "failed workspaces stay for inspection")
}

// pollHook runs before each poll reaches the wrapped bridge.
type pollHook struct {
	bridge.Bridge
	before func()
}

func (p pollHook) Poll(ctx context.Context, h bridge.Handle) (bridge.Outcome, error) {
	p.before()
	return p.Bridge.Poll(ctx, h)
}

func TestTickTransitionErrorKeepsPreviousCheckpoint(t *testing.T) {
	h := newHarness(t, []scheduler.TaskNode{task("A"), task("B", "A")}, nil, 4)
	var l *Loop
	h.deps.Bridge = pollHook{Bridge: h.bridge, before: func() {
		// Something else already moved A on; completing it again is illegal.
		_, _ = l.sched.MarkFailed("A")
	}}
	l = h.loop(LoopConfig{})

	tick(t, l)
	before, err := h.cps.Load()
	require.NoError(t, err)

	h.clock.Add(time.Minute)
	_, err = l.Tick(context.Background())
	require.ErrorIs(t, err, scheduler.ErrInvalidTransition)

	after, err := h.cps.Load()
	require.NoError(t, err)
	assert.Equal(t, before.SavedAt, after.SavedAt, "the failed tick must not save")
	for _, task := range after.State.Tasks {
		if task.ID == "A" {
			assert.Equal(t, scheduler.TaskRunning, task.Status)
		}
	}
}

func TestResumeDoesNotRerunCompletedWork(t *testing.T) {
	nodes := []scheduler.TaskNode{task("A"), task("B", "A"), task("C", "B")}
	h := newHarness(t, nodes, nil, 4)

	first := h.loop(LoopConfig{RunID: "first"})
	tick(t, first)
	r := tick(t, first)
	require.Equal(t, []string{"A"}, r.Completed)
	require.Equal(t, []string{"B"}, r.Dispatched)

	// Crash: a new loop picks up the checkpoint and the same bridge
	second := h.loop(LoopConfig{RunID: "second"})
	require.NoError(t, second.Start(context.Background()))
	assert.True(t, second.Resumed())
	assert.Equal(t, scheduler.TaskCompleted, statusOf(t, second, "A"))
	assert.Equal(t, scheduler.TaskRunning, statusOf(t, second, "B"))

	r = tick(t, second)
	assert.Equal(t, []string{"B"}, r.Completed)
	assert.Equal(t, []string{"C"}, r.Dispatched)
	tick(t, second)

	assert.Equal(t, []string{"A", "B", "C"}, h.bridge.Dispatched())
}

func TestResumeWithLostHandleFailsTask(t *testing.T) {
	h := newHarness(t, []scheduler.TaskNode{task("A"), task("B", "A")}, nil, 4)
	first := h.loop(LoopConfig{})
	tick(t, first)

	// The new bridge has never heard of A's handle
	h.deps.Bridge = bridge.NewMemoryBridge(1)
	second := h.loop(LoopConfig{})
	r := tick(t, second)
	assert.Equal(t, []string{"A"}, r.Failed)
	assert.Equal(t, []string{"B"}, r.Skipped)
}

func TestStartRejectsCorruptCheckpoint(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	require.NoError(t, os.WriteFile(h.cps.Path(), []byte("{not json"), 0o644))

	err := h.loop(LoopConfig{}).Start(context.Background())
	assert.ErrorIs(t, err, ErrCheckpointCorrupt)
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)

	// --fresh discards it
	l := h.loop(LoopConfig{Fresh: true})
	require.NoError(t, l.Start(context.Background()))
	assert.False(t, l.Resumed())
}

func TestStartPropagatesConstructionErrors(t *testing.T) {
	h := newHarness(t, []scheduler.TaskNode{task("A", "B"), task("B", "A")}, nil, 4)

	err := h.loop(LoopConfig{}).Start(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrCycle)
	assert.False(t, h.cps.Exists())
}

func TestStartRequiresDeps(t *testing.T) {
	err := NewLoop(LoopConfig{}, Deps{}).Start(context.Background())
	assert.Error(t, err)
}

func TestRunCompletesAndRecordsLedger(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.deps.Ledger = store
	h.deps.Clock = clock.New()

	bus := events.NewEventBus()
	defer bus.Close()
	runEvents := bus.Subscribe(64, events.TopicRun)
	h.deps.Bus = bus

	l := h.loop(LoopConfig{RunID: "run-ledger", SpecPath: "tasks.yaml", Interval: time.Millisecond})
	summary, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Equal(t, []string{"A", "B", "C", "D"}, summary.Completed)

	run, err := store.GetRun(context.Background(), "run-ledger")
	require.NoError(t, err)
	assert.Equal(t, "complete", run.Outcome)
	assert.NotNil(t, run.FinishedAt)

	history, err := store.History(context.Background(), "run-ledger", "B")
	require.NoError(t, err)
	var path []scheduler.TaskStatus
	for _, tr := range history {
		path = append(path, tr.To)
	}
	assert.Equal(t, []scheduler.TaskStatus{scheduler.TaskReady, scheduler.TaskRunning, scheduler.TaskCompleted}, path)

	var finished *events.RunFinishedEvent
	for finished == nil {
		if ev, ok := (<-runEvents).(events.RunFinishedEvent); ok {
			finished = &ev
		}
	}
	assert.False(t, finished.Interrupted)
}

func TestRunReportsFailuresWithoutError(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	h.deps.Clock = clock.New()
	h.bridge.Fail("C", "boom")

	summary, err := h.loop(LoopConfig{Interval: time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.OK())
	assert.Equal(t, []string{"A", "B"}, summary.Completed)
	assert.Equal(t, []string{"C"}, summary.Failed)
	assert.Equal(t, []string{"D"}, summary.Skipped)
}

func TestRunStopSignalInterrupts(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	h.deps.Clock = clock.New()
	h.deps.Control = control.Static{Stop: true}

	summary, err := h.loop(LoopConfig{Interval: time.Millisecond}).Run(context.Background())
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, summary.Interrupted)
	assert.Empty(t, h.bridge.Dispatched())
	assert.True(t, h.cps.Exists(), "an interrupted run leaves a checkpoint to resume from")
}

func TestRunCancellationDrainsAndCheckpoints(t *testing.T) {
	h := newHarness(t, diamond(), nil, 4)
	h.bridge = bridge.NewMemoryBridge(1_000_000)
	h.deps.Bridge = h.bridge
	h.deps.Clock = clock.New()
	l := h.loop(LoopConfig{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := l.Run(ctx)
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool { return len(h.bridge.Dispatched()) == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	res := <-done

	assert.ErrorIs(t, res.err, ErrInterrupted)
	assert.Equal(t, []string{"A", "B", "C", "D"}, res.summary.Pending)

	cp, err := h.cps.Load()
	require.NoError(t, err)
	for _, task := range cp.State.Tasks {
		if task.ID == "A" {
			assert.Equal(t, scheduler.TaskRunning, task.Status)
			assert.NotEmpty(t, task.Handle)
		}
	}
	assert.Equal(t, "run-test", cp.Metadata[MetaRunID])
}

func TestRunDrainThatFinishesGraphCompletes(t *testing.T) {
	h := newHarness(t, []scheduler.TaskNode{task("A")}, nil, 4)
	l := h.loop(LoopConfig{Interval: time.Millisecond})
	tick(t, l)
	require.True(t, h.cps.Exists())

	// The stop arrives after A's worker already finished: the drain tick
	// completes the graph.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := l.Run(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Interrupted)
	assert.True(t, summary.OK())
	assert.Equal(t, []string{"A"}, summary.Completed)
	assert.False(t, h.cps.Exists(), "a finished graph leaves nothing to resume")
}
