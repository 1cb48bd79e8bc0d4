// Package bridge is the boundary between the automation loop and whatever
// actually executes task payloads.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// ErrUnknownHandle is returned by Poll for a handle the bridge cannot resolve.
var ErrUnknownHandle = errors.New("unknown worker handle")

// Handle identifies a dispatched unit of work. Handles are persisted in
// checkpoints, so a bridge must be able to resolve handles it issued in an
// earlier process.
type Handle string

// State is the coarse execution state reported by Poll.
type State int

const (
	Running State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the result of polling a handle.
type Outcome struct {
	State    State
	ExitCode int    // Meaningful for Completed and Failed
	Detail   string // Human readable failure detail
}

// Bridge dispatches tasks and reports on them. Dispatch must not block until
// the work finishes.
type Bridge interface {
	Dispatch(ctx context.Context, task scheduler.TaskNode) (Handle, error)
	Poll(ctx context.Context, h Handle) (Outcome, error)
}

// Releaser is implemented by bridges that keep per-task resources around
// after the work finishes. The loop calls Release once for every task that
// completes successfully; failed tasks are left alone for inspection.
type Releaser interface {
	Release(ctx context.Context, task scheduler.TaskNode, h Handle) error
}
