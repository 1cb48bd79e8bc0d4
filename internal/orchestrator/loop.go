// Package orchestrator drives the task graph: each tick observes running
// workers, settles their results in the scheduler, dispatches what is ready,
// and checkpoints the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskgraph/internal/bridge"
	"github.com/aristath/taskgraph/internal/checkpoint"
	"github.com/aristath/taskgraph/internal/control"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/locks"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
)

var (
	// ErrInterrupted is returned by Run when it stops before the graph is done.
	ErrInterrupted = errors.New("run interrupted")
	// ErrCheckpointCorrupt is returned when the checkpoint exists but cannot
	// be trusted. Resuming would risk re-running finished work.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)

// Defaults for LoopConfig.
const (
	DefaultInterval        = 5 * time.Second
	DefaultPollConcurrency = 8
)

// Checkpoint metadata keys.
const (
	MetaRunID = "run_id"
	MetaSpec  = "spec"
)

// LoopConfig tunes the automation loop.
type LoopConfig struct {
	RunID           string        // Generated when empty
	SpecPath        string        // Recorded in checkpoints and the ledger
	Interval        time.Duration // Time between ticks
	LockWait        time.Duration // Wait per lock attempt; 0 makes a single attempt
	LockTTL         time.Duration // Lease length, renewed while the holder runs
	PollConcurrency int           // Concurrent bridge polls per tick
	Fresh           bool          // Discard any existing checkpoint
}

// Deps are the collaborators of a Loop. Source, Bridge, Locks and
// Checkpoints are required.
type Deps struct {
	Source      func() (*scheduler.Scheduler, error) // Builds a fresh graph
	Bridge      bridge.Bridge
	Locks       *locks.Manager
	Checkpoints *checkpoint.Manager
	Ledger      persistence.Store // Optional
	Bus         *events.EventBus  // Optional
	Control     control.Signals   // Optional
	Clock       clock.Clock
	Logger      *zap.Logger
}

// TickReport describes what a single tick did.
type TickReport struct {
	Tick       int
	Completed  []string
	Failed     []string
	Skipped    []string
	Promoted   []string
	Dispatched []string
	Contended  []string
	Reclaimed  int  // Expired lock records swept
	Paused     bool // Dispatch was suppressed
	Done       bool // Every task reached a terminal status
}

// Loop owns the scheduler and is the only goroutine that mutates it.
type Loop struct {
	cfg     LoopConfig
	deps    Deps
	clock   clock.Clock
	logger  *zap.Logger
	sched   *scheduler.Scheduler
	ledger  *ledger
	resumed bool
	tick    int
	started map[string]time.Time
	begin   time.Time
}

// NewLoop creates a loop. Nothing touches disk until Start.
func NewLoop(cfg LoopConfig, deps Deps) *Loop {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = locks.DefaultTimeout
	}
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = DefaultPollConcurrency
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Control == nil {
		deps.Control = control.Static{}
	}
	logger := deps.Logger.With(zap.String("run", cfg.RunID))
	return &Loop{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		logger:  logger,
		ledger:  &ledger{store: deps.Ledger, runID: cfg.RunID, logger: logger},
		started: make(map[string]time.Time),
	}
}

// RunID returns the identifier of this run.
func (l *Loop) RunID() string { return l.cfg.RunID }

// Resumed reports whether Start restored the graph from a checkpoint.
func (l *Loop) Resumed() bool { return l.resumed }

// Tasks returns a copy of every task in topological order. It must not be
// called concurrently with Tick or Run.
func (l *Loop) Tasks() []scheduler.TaskNode {
	if l.sched == nil {
		return nil
	}
	return l.sched.Tasks()
}

// Start restores the graph from the checkpoint, or builds it fresh when there
// is none. Calling Start again is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	if l.sched != nil {
		return nil
	}
	d := l.deps
	if d.Source == nil || d.Bridge == nil || d.Locks == nil || d.Checkpoints == nil {
		return errors.New("loop requires a source, bridge, lock manager and checkpoint manager")
	}

	if l.cfg.Fresh {
		if err := d.Checkpoints.Clear(); err != nil {
			return fmt.Errorf("discarding checkpoint: %w", err)
		}
	}

	cp, err := d.Checkpoints.Load()
	switch {
	case err == nil:
		sched, err := cp.Restore(d.Checkpoints.Path())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCheckpointCorrupt, err)
		}
		l.sched = sched
		l.resumed = true
		l.logger.Info("resumed from checkpoint",
			zap.String("path", d.Checkpoints.Path()),
			zap.String("previous_run", cp.Metadata[MetaRunID]),
			zap.Time("saved_at", cp.SavedAt),
			zap.Int("running", len(sched.Running())))
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		sched, err := d.Source()
		if err != nil {
			return err
		}
		l.sched = sched
		l.logger.Info("starting fresh run", zap.Int("tasks", sched.Len()))
	case errors.Is(err, checkpoint.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrCheckpointCorrupt, err)
	default:
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	l.begin = l.clock.Now()
	l.ledger.start(ctx, l.cfg.SpecPath, l.resumed, l.sched.Tasks(), l.begin)
	return nil
}

// Tick performs one scheduling step.
func (l *Loop) Tick(ctx context.Context) (TickReport, error) {
	if err := l.Start(ctx); err != nil {
		return TickReport{}, err
	}
	return l.step(ctx, l.deps.Control.Paused() || l.deps.Control.Stopped())
}

// step runs the tick. With hold set, results are settled and checkpointed
// but nothing new is dispatched. A transition error from settle or dispatch
// aborts the tick before Save, so the previous checkpoint stays on disk.
func (l *Loop) step(ctx context.Context, hold bool) (TickReport, error) {
	l.tick++
	report := TickReport{Tick: l.tick, Paused: hold}

	if err := l.settle(ctx, &report); err != nil {
		return report, err
	}

	if n, err := l.deps.Locks.CleanupExpired(); err != nil {
		l.logger.Warn("sweeping expired locks", zap.Error(err))
	} else {
		report.Reclaimed = n
	}

	if !hold {
		if err := l.dispatch(ctx, &report); err != nil {
			return report, err
		}
	}

	meta := map[string]string{MetaRunID: l.cfg.RunID}
	if l.cfg.SpecPath != "" {
		meta[MetaSpec] = l.cfg.SpecPath
	}
	if err := l.deps.Checkpoints.Save(l.sched.State(), meta); err != nil {
		return report, fmt.Errorf("saving checkpoint: %w", err)
	}

	if l.sched.IsComplete() {
		report.Done = true
		if err := l.deps.Checkpoints.Clear(); err != nil {
			l.logger.Warn("clearing checkpoint", zap.Error(err))
		}
	}

	l.publishProgress(report)
	return report, nil
}

type pollResult struct {
	outcome bridge.Outcome
	err     error
}

// settle polls every running task concurrently and applies the outcomes one
// at a time in id order.
func (l *Loop) settle(ctx context.Context, report *TickReport) error {
	running := l.sched.Running()
	if len(running) == 0 {
		return nil
	}

	results := make([]pollResult, len(running))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.PollConcurrency)
	for i, task := range running {
		g.Go(func() error {
			if task.Handle == "" {
				results[i].err = fmt.Errorf("%w: task %s has no handle", bridge.ErrUnknownHandle, task.ID)
				return nil
			}
			results[i].outcome, results[i].err = l.deps.Bridge.Poll(gctx, bridge.Handle(task.Handle))
			return nil
		})
	}
	_ = g.Wait()

	for i, task := range running {
		res := results[i]
		if res.err != nil {
			if !errors.Is(res.err, bridge.ErrUnknownHandle) {
				l.logger.Warn("polling worker", zap.String("task", task.ID), zap.Error(res.err))
				continue
			}
			res.outcome = bridge.Outcome{State: bridge.Failed, ExitCode: -1, Detail: res.err.Error()}
		}

		switch res.outcome.State {
		case bridge.Running:
			l.renewLock(task)
		case bridge.Completed:
			if err := l.complete(ctx, task, report); err != nil {
				return err
			}
		case bridge.Failed:
			if err := l.fail(task, res.outcome, report); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loop) complete(ctx context.Context, task scheduler.TaskNode, report *TickReport) error {
	promoted, err := l.sched.MarkCompleted(task.ID)
	if err != nil {
		return fmt.Errorf("completing %s: %w", task.ID, err)
	}
	now := l.clock.Now()
	l.releaseLock(task)
	l.releaseWorkspace(ctx, task)
	report.Completed = append(report.Completed, task.ID)
	report.Promoted = append(report.Promoted, promoted...)

	duration := l.elapsed(task.ID, now)
	l.logger.Info("task completed",
		zap.String("task", task.ID),
		zap.Duration("duration", duration),
		zap.Strings("promoted", promoted))
	l.ledger.transition(task.ID, scheduler.TaskRunning, scheduler.TaskCompleted, "", now)
	for _, id := range promoted {
		l.ledger.transition(id, scheduler.TaskPending, scheduler.TaskReady, "dependencies completed", now)
	}
	l.deps.Bus.Publish(events.TaskCompletedEvent{
		ID: task.ID, Promoted: promoted, Duration: duration, Timestamp: now,
	})
	return nil
}

func (l *Loop) fail(task scheduler.TaskNode, out bridge.Outcome, report *TickReport) error {
	// Capture pre-cascade statuses for the ledger
	before := make(map[string]scheduler.TaskStatus)
	for _, t := range l.sched.Tasks() {
		before[t.ID] = t.Status
	}

	skipped, err := l.sched.MarkFailed(task.ID)
	if err != nil {
		return fmt.Errorf("failing %s: %w", task.ID, err)
	}
	now := l.clock.Now()
	l.releaseLock(task)
	report.Failed = append(report.Failed, task.ID)
	report.Skipped = append(report.Skipped, skipped...)

	duration := l.elapsed(task.ID, now)
	l.logger.Warn("task failed",
		zap.String("task", task.ID),
		zap.String("detail", out.Detail),
		zap.Int("exit_code", out.ExitCode),
		zap.Strings("skipped", skipped))
	l.ledger.transition(task.ID, scheduler.TaskRunning, scheduler.TaskFailed, out.Detail, now)
	cause := "dependency " + task.ID + " failed"
	for _, id := range skipped {
		l.ledger.transition(id, before[id], scheduler.TaskSkipped, cause, now)
	}
	l.deps.Bus.Publish(events.TaskFailedEvent{
		ID: task.ID, Detail: out.Detail, Skipped: skipped, Duration: duration, Timestamp: now,
	})
	for _, id := range skipped {
		l.deps.Bus.Publish(events.TaskSkippedEvent{ID: id, Cause: cause, Timestamp: now})
	}
	return nil
}

// dispatch hands ready tasks to the bridge within the concurrency budget.
// A task whose lock is contended or whose dispatch fails stays READY and is
// retried next tick.
func (l *Loop) dispatch(ctx context.Context, report *TickReport) error {
	ready := l.sched.ReadyTasks()
	budget := l.sched.MaxConcurrentFor(ready) - len(l.sched.Running())

	for _, task := range ready {
		if budget <= 0 || ctx.Err() != nil {
			break
		}

		if task.ResourceLock != "" {
			ok, err := l.acquireLock(ctx, task)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				l.logger.Warn("acquiring lock",
					zap.String("task", task.ID),
					zap.String("resource", task.ResourceLock),
					zap.Error(err))
				continue
			}
			if !ok {
				report.Contended = append(report.Contended, task.ID)
				continue
			}
		}

		handle, err := l.deps.Bridge.Dispatch(ctx, task)
		if err != nil {
			l.logger.Warn("dispatch failed, will retry",
				zap.String("task", task.ID),
				zap.Error(err))
			l.releaseLock(task)
			continue
		}
		if err := l.sched.MarkRunningWithHandle(task.ID, string(handle)); err != nil {
			return fmt.Errorf("dispatching %s: %w", task.ID, err)
		}
		budget--

		now := l.clock.Now()
		l.started[task.ID] = now
		report.Dispatched = append(report.Dispatched, task.ID)
		l.logger.Info("task dispatched",
			zap.String("task", task.ID),
			zap.String("type", task.Type),
			zap.String("handle", string(handle)))
		l.ledger.dispatched(task.ID, string(handle), now)
		l.deps.Bus.Publish(events.TaskDispatchedEvent{
			ID: task.ID, Type: task.Type, Handle: string(handle), Resource: task.ResourceLock, Timestamp: now,
		})
	}
	return nil
}

// acquireLock claims the task's resource with the task id as holder. It
// reports false on contention.
func (l *Loop) acquireLock(ctx context.Context, task scheduler.TaskNode) (bool, error) {
	_, err := l.deps.Locks.AcquireFor(ctx, task.ResourceLock, task.ID, l.cfg.LockWait, l.cfg.LockTTL)
	if err == nil {
		return true, nil
	}
	var contention *locks.ContentionError
	if !errors.As(err, &contention) {
		return false, err
	}
	l.logger.Debug("lock contended",
		zap.String("task", task.ID),
		zap.String("resource", task.ResourceLock),
		zap.String("holder", contention.Holder))
	l.deps.Bus.Publish(events.LockContendedEvent{
		ID: task.ID, Resource: task.ResourceLock, Holder: contention.Holder, Timestamp: l.clock.Now(),
	})
	return false, nil
}

func (l *Loop) releaseLock(task scheduler.TaskNode) {
	if task.ResourceLock == "" {
		return
	}
	if err := l.deps.Locks.Release(task.ResourceLock, task.ID); err != nil {
		l.logger.Warn("releasing lock",
			zap.String("task", task.ID),
			zap.String("resource", task.ResourceLock),
			zap.Error(err))
		return
	}
	l.deps.Bus.Publish(events.LockReleasedEvent{
		ID: task.ID, Resource: task.ResourceLock, Timestamp: l.clock.Now(),
	})
}

// releaseWorkspace hands a completed task's resources back to the bridge.
// Errors are logged; the task stays completed.
func (l *Loop) releaseWorkspace(ctx context.Context, task scheduler.TaskNode) {
	rel, ok := l.deps.Bridge.(bridge.Releaser)
	if !ok || task.Handle == "" {
		return
	}
	if err := rel.Release(ctx, task, bridge.Handle(task.Handle)); err != nil {
		l.logger.Warn("releasing workspace", zap.String("task", task.ID), zap.Error(err))
	}
}

// renewLock keeps a running holder's lease from lapsing. A lease that
// already lapsed, for example across a restart, is re-claimed if nobody took
// the resource in the meantime.
func (l *Loop) renewLock(task scheduler.TaskNode) {
	if task.ResourceLock == "" {
		return
	}
	_, err := l.deps.Locks.Renew(task.ResourceLock, task.ID, l.cfg.LockTTL)
	if errors.Is(err, locks.ErrNotHeld) {
		_, err = l.deps.Locks.TryAcquire(task.ResourceLock, task.ID, l.cfg.LockTTL)
	}
	if err != nil {
		l.logger.Warn("renewing lock",
			zap.String("task", task.ID),
			zap.String("resource", task.ResourceLock),
			zap.Error(err))
	}
}

func (l *Loop) elapsed(taskID string, now time.Time) time.Duration {
	start, ok := l.started[taskID]
	if !ok {
		return 0
	}
	delete(l.started, taskID)
	return now.Sub(start)
}

func (l *Loop) publishProgress(report TickReport) {
	counts := l.sched.Counts()
	l.deps.Bus.Publish(events.RunProgressEvent{
		Tick:      report.Tick,
		Total:     l.sched.Len(),
		Pending:   counts[scheduler.TaskPending],
		Ready:     counts[scheduler.TaskReady],
		Running:   counts[scheduler.TaskRunning],
		Completed: counts[scheduler.TaskCompleted],
		Failed:    counts[scheduler.TaskFailed],
		Skipped:   counts[scheduler.TaskSkipped],
		Paused:    report.Paused,
		Timestamp: l.clock.Now(),
	})
}

// changeNotifier is implemented by control sources that can wake the loop
// early, such as *control.Watcher.
type changeNotifier interface {
	Changes() <-chan struct{}
}

// Run ticks until every task is terminal, ctx is cancelled, or a stop is
// requested. On shutdown it settles results and checkpoints once more
// without dispatching, then returns ErrInterrupted. A graph that finishes
// with failures is not an error; inspect the Summary.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	if err := l.Start(ctx); err != nil {
		return nil, err
	}

	var wake <-chan struct{}
	if n, ok := l.deps.Control.(changeNotifier); ok {
		wake = n.Changes()
	}
	ticker := l.clock.Ticker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil || l.deps.Control.Stopped() {
			return l.interrupt(ctx)
		}

		report, err := l.step(ctx, l.deps.Control.Paused())
		if err != nil {
			if ctx.Err() != nil {
				return l.interrupt(ctx)
			}
			l.finish(ctx, "error")
			return l.Summary(), err
		}
		if report.Done {
			return l.completed(ctx), nil
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (l *Loop) interrupt(ctx context.Context) (*Summary, error) {
	drainCtx := context.WithoutCancel(ctx)
	l.logger.Info("stopping: settling running tasks without dispatching")
	report, err := l.step(drainCtx, true)
	if err == nil && report.Done {
		// The last workers finished while draining; the checkpoint is gone.
		return l.completed(drainCtx), nil
	}
	summary := l.Summary()
	summary.Interrupted = true
	l.finish(drainCtx, "interrupted")
	if err != nil {
		return summary, multierr.Append(ErrInterrupted, err)
	}
	return summary, ErrInterrupted
}

// completed finishes a run whose every task is terminal.
func (l *Loop) completed(ctx context.Context) *Summary {
	summary := l.Summary()
	outcome := "complete"
	if !summary.OK() {
		outcome = "failed"
	}
	l.finish(ctx, outcome)
	return summary
}

func (l *Loop) finish(ctx context.Context, outcome string) {
	now := l.clock.Now()
	counts := l.sched.Counts()
	l.ledger.finish(context.WithoutCancel(ctx), outcome, now)
	l.deps.Bus.Publish(events.RunFinishedEvent{
		RunID:       l.cfg.RunID,
		Interrupted: outcome == "interrupted",
		Failed:      counts[scheduler.TaskFailed],
		Skipped:     counts[scheduler.TaskSkipped],
		Timestamp:   now,
	})
	l.logger.Info("run finished",
		zap.String("outcome", outcome),
		zap.Duration("elapsed", now.Sub(l.begin)),
		zap.Int("ticks", l.tick))
}
