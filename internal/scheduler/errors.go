package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph      = errors.New("invalid task graph")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("cycle detected")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CycleError reports one closed walk of a dependency cycle, e.g. [a b c a].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// TransitionError is returned when a status transition is requested on a task
// that is not in the expected source state.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: task %q cannot move %s -> %s", ErrInvalidTransition, e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsConstructionError reports whether err came from graph construction
// (malformed input or a cycle) rather than runtime misuse.
func IsConstructionError(err error) bool {
	return errors.Is(err, ErrInvalidGraph) || errors.Is(err, ErrUnknownDependency) || errors.Is(err, ErrCycle)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}
