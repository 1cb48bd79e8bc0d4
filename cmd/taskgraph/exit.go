package main

import (
	"errors"

	"github.com/aristath/taskgraph/internal/checkpoint"
	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/taskspec"
)

// Process exit codes.
const (
	exitOK           = 0
	exitError        = 1
	exitInvalidGraph = 2
	exitCorrupt      = 3
	exitTaskFailures = 4
)

// errTasksFailed marks a run that finished with failed or skipped tasks. The
// summary has already been printed.
var errTasksFailed = errors.New("run finished with failed tasks")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errTasksFailed):
		return exitTaskFailures
	case errors.Is(err, orchestrator.ErrCheckpointCorrupt), errors.Is(err, checkpoint.ErrCorrupt):
		return exitCorrupt
	case scheduler.IsConstructionError(err), errors.Is(err, taskspec.ErrInvalidSpec):
		return exitInvalidGraph
	default:
		return exitError
	}
}
