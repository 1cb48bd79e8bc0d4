package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aristath/taskgraph/internal/bridge"
	"github.com/aristath/taskgraph/internal/checkpoint"
	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/control"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/locks"
	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/taskspec"
	"github.com/aristath/taskgraph/internal/tui"
	"github.com/aristath/taskgraph/internal/workspace"
)

type runOptions struct {
	tui           bool
	dryRun        bool
	fresh         bool
	killOnStop    bool
	maxConcurrent int
}

func newCmdRun(o *options) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [spec]",
		Short: "Run (or resume) the task graph",
		Long: `Run the task graph described by spec (default tasks.yaml).

If a checkpoint from an interrupted run exists it is resumed: finished tasks
are not re-run and running tasks are re-observed through their worker
handles. The spec file is not read on resume. Use --fresh to discard the
checkpoint and start over.

Stop a run with Ctrl+C or "taskgraph stop": running workers are settled and
checkpointed, nothing new is dispatched.`,
		Example: `  taskgraph run
  taskgraph run build.toml --max-concurrent 8
  taskgraph run --dry-run
  taskgraph run --tui`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ro.run(cmd.Context(), o, args)
		},
	}
	cmd.Flags().BoolVar(&ro.tui, "tui", false, "Show the live dashboard")
	cmd.Flags().BoolVar(&ro.dryRun, "dry-run", false, "Walk the schedule with an in-memory bridge; touches no project state")
	cmd.Flags().BoolVar(&ro.fresh, "fresh", false, "Discard any existing checkpoint")
	cmd.Flags().BoolVar(&ro.killOnStop, "kill-on-stop", false, "Kill running workers when the run is interrupted")
	cmd.Flags().IntVar(&ro.maxConcurrent, "max-concurrent", 0, "Global concurrency ceiling (overrides spec and config)")
	return cmd
}

// runtime bundles the collaborators built for one run so they can be closed
// together.
type runtime struct {
	bridge   bridge.Bridge
	memory   *bridge.MemoryBridge
	process  *bridge.ProcessBridge
	locks    *locks.Manager
	cps      *checkpoint.Manager
	ledger   persistence.Store
	watcher  *control.Watcher
	closers  []func() error
	interval time.Duration
}

func (rt *runtime) Close() error {
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, rt.closers[i]())
	}
	return errs
}

func (ro *runOptions) run(ctx context.Context, o *options, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var logOutputs []string
	if ro.tui {
		logOutputs = []string{filepath.Join(o.projectDir, config.StateDir, "taskgraph.log")}
		if err := os.MkdirAll(filepath.Dir(logOutputs[0]), 0o755); err != nil {
			return err
		}
	}
	env, err := o.load(logOutputs...)
	if err != nil {
		return err
	}
	defer env.logger.Sync()

	specPath := env.specPath(args)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := ro.buildRuntime(ctx, env)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			env.logger.Warn("closing run resources", zap.Error(cerr))
		}
	}()

	bus := events.NewEventBus()
	defer bus.Close()

	deps := orchestrator.Deps{
		Source: func() (*scheduler.Scheduler, error) {
			return ro.buildGraph(specPath, env.cfg.Loop.MaxConcurrent)
		},
		Bridge:      rt.bridge,
		Locks:       rt.locks,
		Checkpoints: rt.cps,
		Ledger:      rt.ledger,
		Bus:         bus,
		Logger:      env.logger,
	}
	if rt.watcher != nil {
		deps.Control = rt.watcher
	}
	loop := orchestrator.NewLoop(orchestrator.LoopConfig{
		RunID:           uuid.NewString(),
		SpecPath:        specPath,
		Interval:        rt.interval,
		LockWait:        env.cfg.Loop.LockWait,
		LockTTL:         env.cfg.Locks.TTL,
		PollConcurrency: env.cfg.Loop.PollConcurrency,
		Fresh:           ro.fresh,
	}, deps)

	var summary *orchestrator.Summary
	if ro.tui {
		summary, err = ro.runWithTUI(ctx, loop, bus, rt.watcher, o.stdout)
	} else {
		summary, err = loop.Run(ctx)
	}

	if n := bus.Dropped(); n > 0 {
		env.logger.Debug("event subscribers fell behind", zap.Uint64("dropped", n))
	}
	if errors.Is(err, orchestrator.ErrInterrupted) && ro.killOnStop && rt.process != nil {
		if kerr := rt.process.Processes().KillAll(); kerr != nil {
			env.logger.Warn("killing workers", zap.Error(kerr))
		}
	}
	if summary != nil {
		printSummary(o.stdout, summary)
		if rt.memory != nil {
			fmt.Fprintf(o.stdout, "\nDispatch order: %s\n", joinIDs(rt.memory.Dispatched(), 50))
		}
	}
	if err != nil {
		return err
	}
	if !summary.OK() {
		return errTasksFailed
	}
	return nil
}

// buildGraph reads the task specification. The loop only asks for it when
// there is no checkpoint to resume, so a resumed run never touches the file.
func (ro *runOptions) buildGraph(specPath string, configured int) (*scheduler.Scheduler, error) {
	spec, err := taskspec.Load(specPath)
	if err != nil {
		return nil, err
	}
	maxConcurrent := ro.maxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = spec.MaxConcurrent
	}
	if maxConcurrent <= 0 {
		maxConcurrent = configured
	}
	return spec.Build(maxConcurrent)
}

func (ro *runOptions) buildRuntime(ctx context.Context, env *environment) (*runtime, error) {
	cfg := env.cfg
	rt := &runtime{interval: cfg.Loop.Interval}
	lockDir, cpPath := cfg.Locks.Dir, cfg.Checkpoint.Path

	if ro.dryRun {
		tmp, err := os.MkdirTemp("", "taskgraph-dry-run-*")
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { return os.RemoveAll(tmp) })
		lockDir = filepath.Join(tmp, "locks")
		cpPath = filepath.Join(tmp, "checkpoint.json")
		rt.interval = time.Millisecond
		rt.memory = bridge.NewMemoryBridge(1)
		rt.bridge = rt.memory
	} else if err := ro.buildBridge(rt, env); err != nil {
		return nil, err
	}

	lm, err := locks.NewManager(lockDir,
		locks.WithPollInterval(cfg.Locks.PollInterval),
		locks.WithLogger(env.logger))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.locks = lm
	rt.cps = checkpoint.NewManager(cpPath,
		checkpoint.WithRetain(cfg.Checkpoint.Retain),
		checkpoint.WithLogger(env.logger))

	if ro.dryRun {
		return rt, nil
	}

	if cfg.Ledger.Path != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Ledger.Path)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.ledger = store
		rt.closers = append(rt.closers, store.Close)
	}

	w, err := control.NewWatcher(cfg.Control.Dir, env.logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	// A stop request left over from an earlier run must not end this one
	w.Clear()
	rt.watcher = w
	rt.closers = append(rt.closers, w.Close)
	return rt, nil
}

func (ro *runOptions) buildBridge(rt *runtime, env *environment) error {
	cfg := env.cfg.Bridge
	if cfg.Kind == "memory" {
		rt.memory = bridge.NewMemoryBridge(1)
		rt.bridge = rt.memory
		return nil
	}

	var ws workspace.Manager
	switch cfg.Isolation {
	case "worktree":
		rel, err := filepath.Rel(env.root, cfg.WorkDir)
		if err != nil {
			return fmt.Errorf("worktree dir must live inside the project: %w", err)
		}
		ws = workspace.NewWorktreeManager(workspace.WorktreeConfig{RepoPath: env.root, WorktreeDir: rel})
	default:
		dm, err := workspace.NewDirManager(cfg.WorkDir)
		if err != nil {
			return err
		}
		ws = dm
	}
	if err := ws.Prune(); err != nil {
		env.logger.Warn("pruning stale workspaces", zap.Error(err))
	}

	pb, err := bridge.NewProcessBridge(bridge.ProcessConfig{
		Shell:          cfg.Shell,
		Workspaces:     ws,
		KeepWorkspaces: cfg.KeepWorkspaces,
		Env:            []string{"TASKGRAPH_PROJECT=" + env.root},
		Logger:         env.logger,
	})
	if err != nil {
		return err
	}
	rt.process = pb

	breakers := bridge.NewCircuitBreakerRegistry(bridge.BreakerConfig{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		Timeout:             cfg.Breaker.Timeout,
	}, env.logger)
	retry := bridge.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.InitialInterval = cfg.Retry.InitialInterval
	retry.MaxInterval = cfg.Retry.MaxInterval
	rt.bridge = bridge.NewResilient(pb, retry, breakers, env.logger)
	return nil
}

// runWithTUI drives the loop in the background while the dashboard owns the
// terminal. Quitting the dashboard detaches: the run is interrupted and can
// be resumed.
func (ro *runOptions) runWithTUI(ctx context.Context, loop *orchestrator.Loop, bus *events.EventBus, w *control.Watcher, out io.Writer) (*orchestrator.Summary, error) {
	var ctl tui.Controller
	if w != nil {
		ctl = w
	}
	model := tui.New(bus, ctl)
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithOutput(out)}
	if isTerminal(out) {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(model, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		summary *orchestrator.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := loop.Run(runCtx)
		done <- result{s, err}
		p.Quit()
	}()

	_, tuiErr := p.Run()
	cancel()
	res := <-done
	if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
		return res.summary, multierr.Append(res.err, tuiErr)
	}
	return res.summary, res.err
}

func printSummary(w io.Writer, s *orchestrator.Summary) {
	fmt.Fprintln(w)
	state := "finished"
	if s.Interrupted {
		state = "interrupted"
	}
	resumed := ""
	if s.Resumed {
		resumed = ", resumed"
	}
	printHeader(w, "Run %s %s: %d tasks in %v (%d ticks%s)",
		shortID(s.RunID), state, s.Total(), s.Elapsed.Round(time.Millisecond), s.Ticks, resumed)

	printStatus(w, "✓", fmt.Sprintf("completed %d", len(s.Completed)), color.FgGreen)
	if len(s.Failed) > 0 {
		printStatus(w, "✗", fmt.Sprintf("failed    %d: %s", len(s.Failed), joinIDs(s.Failed, 10)), color.FgRed)
	}
	if len(s.Skipped) > 0 {
		printStatus(w, "⊘", fmt.Sprintf("skipped   %d: %s", len(s.Skipped), joinIDs(s.Skipped, 10)), color.FgYellow)
	}
	if len(s.Pending) > 0 {
		printStatus(w, "○", fmt.Sprintf("unfinished %d: %s", len(s.Pending), joinIDs(s.Pending, 10)), color.FgHiBlack)
	}
	if s.Interrupted {
		fmt.Fprintln(w, "\nProgress is checkpointed. Run again to resume.")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
