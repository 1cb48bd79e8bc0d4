package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/logging"
)

// DefaultSpecFile is the task specification used when none is given.
const DefaultSpecFile = "tasks.yaml"

// options holds the persistent flags shared by every subcommand.
type options struct {
	projectDir string
	logLevel   string
	logFormat  string
	stdout     io.Writer
	stderr     io.Writer
}

// environment is the loaded configuration for one command invocation.
type environment struct {
	root   string
	cfg    *config.Config
	logger *zap.Logger
}

// load reads layered configuration for the project and builds the logger.
// Logs go to stderr unless logOutputs are given.
func (o *options) load(logOutputs ...string) (*environment, error) {
	root, err := filepath.Abs(o.projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolving project directory: %w", err)
	}
	cfg, err := config.LoadDefault(root)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	cfg = cfg.Resolve(root)

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, logOutputs...)
	if err != nil {
		return nil, err
	}
	return &environment{root: root, cfg: cfg, logger: logger}, nil
}

// specPath resolves the optional spec argument against the project root.
func (e *environment) specPath(args []string) string {
	path := DefaultSpecFile
	if len(args) > 0 {
		path = args[0]
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.root, path)
}

func newRootCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskgraph",
		Short: "Dependency-aware parallel task orchestrator",
		Long: `taskgraph turns a declarative set of interdependent tasks into a safely
parallelized schedule. Tasks run through a worker bridge, shared resources
are arbitrated with timeout-bounded named locks, and progress is
checkpointed so an interrupted run resumes where it stopped.

Exit codes:
  0  every task completed
  1  error or interrupted run
  2  invalid task graph (cycle, unknown dependency, bad spec)
  3  corrupt checkpoint
  4  run finished with failed or skipped tasks`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(o.stdout)
	cmd.SetErr(o.stderr)

	cmd.PersistentFlags().StringVarP(&o.projectDir, "project", "C", ".", "Project directory holding .taskgraph state")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&o.logFormat, "log-format", "", "Log format override (console, json)")

	cmd.AddCommand(
		newCmdRun(o),
		newCmdValidate(o),
		newCmdPlan(o),
		newCmdStatus(o),
		newCmdLocks(o),
		newCmdControl(o, "stop"),
		newCmdControl(o, "pause"),
		newCmdControl(o, "resume"),
		newCmdInit(o),
	)
	return cmd
}

// execute runs the CLI and maps the outcome to a process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	o := &options{stdout: stdout, stderr: stderr}
	cmd := newRootCmd(o)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil && err != errTasksFailed {
		fmt.Fprintf(stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("Error:"), err)
	}
	return exitCode(err)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}
