package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirManager hands out plain directories under a root.
type DirManager struct {
	root string
}

// NewDirManager creates a manager rooted at root.
func NewDirManager(root string) (*DirManager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	return &DirManager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *DirManager) Root() string { return m.root }

// Create makes an empty directory for taskID.
func (m *DirManager) Create(taskID string) (*Info, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	path := filepath.Join(m.root, dirName(taskID))
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("clearing workspace %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", path, err)
	}
	return &Info{Path: path, TaskID: taskID}, nil
}

// Cleanup removes the workspace directory. Paths outside the root are refused.
func (m *DirManager) Cleanup(info *Info) error {
	rel, err := filepath.Rel(m.root, info.Path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("workspace %s is outside %s", info.Path, m.root)
	}
	if err := os.RemoveAll(info.Path); err != nil {
		return fmt.Errorf("removing workspace %s: %w", info.Path, err)
	}
	return nil
}

// Prune removes the root if it is empty.
func (m *DirManager) Prune() error {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return os.Remove(m.root)
	}
	return nil
}
