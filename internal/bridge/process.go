package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/workspace"
)

// Files the wrapper leaves in a task workspace.
const (
	ExitFile   = ".taskgraph-exit"
	PIDFile    = ".taskgraph-pid"
	StdoutFile = ".taskgraph-stdout.log"
	StderrFile = ".taskgraph-stderr.log"
)

// The worker command runs as "$2" under shell "$1". Its exit code is written
// to a temp file and renamed into place so Poll never reads a partial code.
const wrapperScript = `"$1" -c "$2" >` + StdoutFile + ` 2>` + StderrFile + `
code=$?
printf '%d\n' "$code" > ` + ExitFile + `.tmp && mv ` + ExitFile + `.tmp ` + ExitFile + `
exit "$code"`

const stderrTail = 512

// ProcessConfig configures a ProcessBridge.
type ProcessConfig struct {
	Shell          string            // Shell used for task commands (default /bin/sh)
	Workspaces     workspace.Manager // Required
	Env            []string          // Extra environment for every worker
	KeepWorkspaces bool              // Leave completed tasks' workspaces on disk
	Logger         *zap.Logger
}

// ProcessBridge runs each task command as a detached shell process in its own
// workspace. Workers sit in their own process group so they survive the
// orchestrator; the handle is the workspace path, which is all Poll needs.
type ProcessBridge struct {
	shell  string
	ws     workspace.Manager
	env    []string
	pm     *ProcessManager
	keep   bool
	logger *zap.Logger
}

// NewProcessBridge creates a process bridge.
func NewProcessBridge(cfg ProcessConfig) (*ProcessBridge, error) {
	if cfg.Workspaces == nil {
		return nil, errors.New("process bridge requires a workspace manager")
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ProcessBridge{
		shell:  cfg.Shell,
		ws:     cfg.Workspaces,
		env:    cfg.Env,
		pm:     NewProcessManager(),
		keep:   cfg.KeepWorkspaces,
		logger: cfg.Logger,
	}, nil
}

// Processes exposes the manager tracking workers started by this bridge.
func (b *ProcessBridge) Processes() *ProcessManager { return b.pm }

// Dispatch prepares a fresh workspace and starts the task command in it.
// A task without a command completes immediately.
func (b *ProcessBridge) Dispatch(ctx context.Context, task scheduler.TaskNode) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := b.ws.Create(task.ID)
	if err != nil {
		return "", fmt.Errorf("preparing workspace for %s: %w", task.ID, err)
	}
	handle := Handle(info.Path)

	if strings.TrimSpace(task.Command) == "" {
		if err := os.WriteFile(filepath.Join(info.Path, ExitFile), []byte("0\n"), 0o644); err != nil {
			return "", fmt.Errorf("recording no-op result for %s: %w", task.ID, err)
		}
		return handle, nil
	}

	cmd := newCommand(info.Path, b.shell, task.Command)
	cmd.Env = append(os.Environ(), b.env...)
	cmd.Env = append(cmd.Env,
		"TASKGRAPH_TASK_ID="+task.ID,
		"TASKGRAPH_TASK_TYPE="+task.Type,
		"TASKGRAPH_WORKSPACE="+info.Path,
	)
	if err := b.pm.Start(cmd); err != nil {
		return "", fmt.Errorf("starting worker for %s: %w", task.ID, err)
	}
	pid := strconv.Itoa(cmd.Process.Pid)
	if err := os.WriteFile(filepath.Join(info.Path, PIDFile), []byte(pid+"\n"), 0o644); err != nil {
		b.logger.Warn("recording worker pid", zap.String("task", task.ID), zap.Error(err))
	}

	b.logger.Debug("worker started",
		zap.String("task", task.ID),
		zap.String("workspace", info.Path),
		zap.Int("pid", cmd.Process.Pid))
	return handle, nil
}

// Release removes a completed task's workspace. For git worktrees the task
// branch is kept, so committed work survives.
func (b *ProcessBridge) Release(ctx context.Context, task scheduler.TaskNode, h Handle) error {
	if b.keep {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.ws.Cleanup(&workspace.Info{Path: string(h), TaskID: task.ID})
}

// Poll reads the exit file in the handle's workspace. A worker that vanished
// without writing one is reported as failed.
func (b *ProcessBridge) Poll(ctx context.Context, h Handle) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	dir := string(h)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownHandle, dir)
		}
		return Outcome{}, err
	}

	if out, ok, err := readExit(dir); err != nil || ok {
		return out, err
	}
	if alive, known := workerAlive(dir); !known || alive {
		return Outcome{State: Running}, nil
	}
	// The worker may have exited between the two reads.
	if out, ok, err := readExit(dir); err != nil || ok {
		return out, err
	}
	return Outcome{
		State:    Failed,
		ExitCode: -1,
		Detail:   "worker exited without reporting a result",
	}, nil
}

func readExit(dir string) (Outcome, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, ExitFile))
	if os.IsNotExist(err) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("reading exit file: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Outcome{State: Failed, ExitCode: -1, Detail: fmt.Sprintf("malformed exit file: %q", data)}, true, nil
	}
	if code == 0 {
		return Outcome{State: Completed}, true, nil
	}
	detail := fmt.Sprintf("exit status %d", code)
	if tail := readTail(filepath.Join(dir, StderrFile), stderrTail); tail != "" {
		detail += ": " + tail
	}
	return Outcome{State: Failed, ExitCode: code, Detail: detail}, true, nil
}

// workerAlive reports whether the recorded worker pid is still running.
// known is false when no pid has been recorded yet.
func workerAlive(dir string) (alive, known bool) {
	data, err := os.ReadFile(filepath.Join(dir, PIDFile))
	if err != nil {
		return false, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, false
	}
	err = syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM), true
}

func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := st.Size() - n
	if off < 0 {
		off = 0
	}
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}

// newCommand creates a detached wrapper command with process group isolation.
// It deliberately has no context: workers outlive the dispatching tick.
func newCommand(dir, shell, command string) *exec.Cmd {
	cmd := exec.Command(shell, "-c", wrapperScript, "taskgraph-worker", shell, command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running workers, reaps them when they exit, and can
// terminate them all on demand.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
	wg    sync.WaitGroup
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Start starts cmd, tracks it, and reaps it in the background.
func (pm *ProcessManager) Start(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	pm.Track(cmd)
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		_ = cmd.Wait()
		pm.Untrack(cmd)
	}()
	return nil
}

// Track registers a subprocess for tracking.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked worker's process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("killing worker %d: %w", pid, err))
		}
	}
	return errs
}

// Count returns the number of workers not yet reaped.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// Wait blocks until every started worker has been reaped.
func (pm *ProcessManager) Wait() {
	pm.wg.Wait()
}
