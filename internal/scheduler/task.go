package scheduler

import (
	"fmt"
	"strings"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies completed, ready to run
	TaskRunning                     // Dispatched to a worker
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with error
	TaskSkipped                     // Never ran because an ancestor failed
)

var statusNames = [...]string{
	TaskPending:   "pending",
	TaskReady:     "ready",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskSkipped:   "skipped",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus converts a status name back into a TaskStatus.
func ParseStatus(name string) (TaskStatus, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown task status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// DefaultType is the type assigned to tasks that do not declare one.
const DefaultType = "default"

// TaskNode is a unit of schedulable work in the DAG.
type TaskNode struct {
	ID                string     `json:"id"`
	Description       string     `json:"description,omitempty"`
	Dependencies      []string   `json:"dependencies"`
	Type              string     `json:"type"`
	EstimatedDuration float64    `json:"estimated_duration"`
	Status            TaskStatus `json:"status"`
	ResourceLock      string     `json:"resource_lock,omitempty"`
	Command           string     `json:"command,omitempty"` // Payload forwarded to the worker
	Handle            string     `json:"handle,omitempty"`  // Worker handle recorded at dispatch
}

func cloneNode(n *TaskNode) TaskNode {
	cp := *n
	if n.Dependencies != nil {
		cp.Dependencies = append([]string(nil), n.Dependencies...)
	}
	return cp
}
