// Package workspace provides isolated per-task execution directories for the
// process bridge.
package workspace

import (
	"net/url"
)

// Info describes a task workspace.
type Info struct {
	Path   string // Absolute path to the workspace directory
	TaskID string // Original task ID
	Branch string // Git branch, empty for plain directories
	Head   string // HEAD commit at creation, empty for plain directories
}

// Manager creates and removes task workspaces.
//
// Create always returns a fresh workspace: an existing workspace for the
// same task is discarded first, so a re-dispatched task never sees output
// from an earlier attempt.
type Manager interface {
	Create(taskID string) (*Info, error)
	Cleanup(info *Info) error
	Prune() error
}

// dirName maps a task ID to a single safe path component.
func dirName(taskID string) string {
	return url.PathEscape(taskID)
}
