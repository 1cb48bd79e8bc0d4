// Package checkpoint persists scheduler state so an interrupted run can
// resume without re-running completed work.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// SchemaVersion is the checkpoint format written by this package. Files with
// a newer version are rejected as corrupt.
const SchemaVersion = 1

// DefaultPath is the checkpoint location relative to the project root.
const DefaultPath = ".taskgraph/checkpoint.json"

var (
	// ErrNoCheckpoint means no checkpoint exists. It is not a corruption.
	ErrNoCheckpoint = errors.New("no checkpoint")
	// ErrCorrupt means a checkpoint exists but cannot be used.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// CorruptError describes why a checkpoint file was rejected.
type CorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrCorrupt, e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCorrupt, e.Path, e.Reason)
}

// Unwrap lets errors.Is match both ErrCorrupt and the underlying cause.
func (e *CorruptError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorrupt, e.Err}
	}
	return []error{ErrCorrupt}
}

// Checkpoint is the on-disk document.
type Checkpoint struct {
	SchemaVersion int               `json:"schema_version"`
	SavedAt       time.Time         `json:"saved_at"`
	State         scheduler.State   `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Restore rebuilds a scheduler from the checkpointed state. A state that
// fails validation is reported as corruption.
func (c *Checkpoint) Restore(path string) (*scheduler.Scheduler, error) {
	s, err := scheduler.FromState(c.State)
	if err != nil {
		return nil, &CorruptError{Path: path, Reason: "inconsistent scheduler state", Err: err}
	}
	return s, nil
}
