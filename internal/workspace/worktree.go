package workspace

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// WorktreeConfig configures the worktree manager.
type WorktreeConfig struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Base branch to branch from (default: current HEAD)
	WorktreeDir string // Directory for worktrees, relative to RepoPath (default ".taskgraph/work")
}

// WorktreeManager gives every task its own git worktree on branch task/<id>.
type WorktreeManager struct {
	config WorktreeConfig
	gitMu  sync.Mutex // Serializes git commands that touch the main repository
}

// NewWorktreeManager creates a new worktree manager.
func NewWorktreeManager(cfg WorktreeConfig) *WorktreeManager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(".taskgraph", "work")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "HEAD"
	}
	return &WorktreeManager{config: cfg}
}

func (m *WorktreeManager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func branchFor(taskID string) string {
	return "task/" + dirName(taskID)
}

// Create creates a worktree for the given task ID, replacing any left over
// from an earlier attempt.
func (m *WorktreeManager) Create(taskID string) (*Info, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	branch := branchFor(taskID)
	wtPath := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, dirName(taskID))

	if _, err := os.Stat(wtPath); err == nil {
		if err := m.forceCleanup(&Info{Path: wtPath, Branch: branch}); err != nil {
			return nil, fmt.Errorf("replacing stale worktree: %w", err)
		}
	} else {
		// A branch can outlive its worktree directory after a crash
		m.git(m.config.RepoPath, "worktree", "prune")
		m.git(m.config.RepoPath, "branch", "-D", branch)
	}

	if output, err := m.git(m.config.RepoPath, "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, output)
	}

	head, err := m.git(wtPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, head)
	}

	return &Info{
		Path:   wtPath,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(head),
	}, nil
}

// Cleanup removes the worktree and deletes the branch, forcing both if the
// polite attempt fails. An Info without a Branch only removes the worktree.
func (m *WorktreeManager) Cleanup(info *Info) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	var errs error
	if output, err := m.git(m.config.RepoPath, "worktree", "remove", info.Path); err != nil {
		if forceOutput, forceErr := m.git(m.config.RepoPath, "worktree", "remove", "--force", info.Path); forceErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("worktree remove failed: %v (output: %s, force output: %s)", err, output, forceOutput))
		}
	}
	if info.Branch == "" {
		return errs
	}
	if output, err := m.git(m.config.RepoPath, "branch", "-d", info.Branch); err != nil {
		if forceOutput, forceErr := m.git(m.config.RepoPath, "branch", "-D", info.Branch); forceErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("branch delete failed: %v (output: %s, force output: %s)", err, output, forceOutput))
		}
	}
	return errs
}

func (m *WorktreeManager) forceCleanup(info *Info) error {
	var errs error
	if output, err := m.git(m.config.RepoPath, "worktree", "remove", "--force", info.Path); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("force worktree remove failed: %v (output: %s)", err, output))
	}
	if output, err := m.git(m.config.RepoPath, "branch", "-D", info.Branch); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("force branch delete failed: %v (output: %s)", err, output))
	}
	return errs
}

// List returns all worktrees in the repository.
func (m *WorktreeManager) List() ([]Info, error) {
	output, err := m.git(m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, output)
	}

	var worktrees []Info
	var current Info

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Empty line signals end of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if strings.HasPrefix(current.Branch, "task/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			}
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// Prune cleans up stale worktree metadata.
func (m *WorktreeManager) Prune() error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	if output, err := m.git(m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, output)
	}
	return nil
}
