package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return string(output)
}

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repoPath := t.TempDir()
	runGit(t, repoPath, "init")
	runGit(t, repoPath, "config", "user.name", "Test User")
	runGit(t, repoPath, "config", "user.email", "test@example.com")
	runGit(t, repoPath, "checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "-m", "initial commit")

	return repoPath
}

func newTestWorktreeManager(t *testing.T) (*WorktreeManager, string) {
	repoPath := setupTestRepo(t)
	return NewWorktreeManager(WorktreeConfig{RepoPath: repoPath, BaseBranch: "main"}), repoPath
}

func TestWorktreeCreate(t *testing.T) {
	manager, repoPath := newTestWorktreeManager(t)

	info, err := manager.Create("test-task-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Worktrees use a gitfile, not a directory
	if stat, err := os.Stat(filepath.Join(info.Path, ".git")); err != nil {
		t.Errorf(".git file does not exist: %v", err)
	} else if stat.IsDir() {
		t.Errorf(".git is a directory, expected file (gitfile)")
	}

	output := runGit(t, repoPath, "branch", "--list", info.Branch)
	if !strings.Contains(output, info.Branch) {
		t.Errorf("branch %s not found in git branch output", info.Branch)
	}

	if info.TaskID != "test-task-1" {
		t.Errorf("expected TaskID 'test-task-1', got '%s'", info.TaskID)
	}
	if info.Branch != "task/test-task-1" {
		t.Errorf("expected Branch 'task/test-task-1', got '%s'", info.Branch)
	}
	if info.Head == "" {
		t.Errorf("Head commit should not be empty")
	}
	if !strings.HasPrefix(info.Path, filepath.Join(repoPath, ".taskgraph", "work")) {
		t.Errorf("unexpected worktree location %s", info.Path)
	}
}

func TestWorktreeCreateReplacesPreviousAttempt(t *testing.T) {
	manager, _ := newTestWorktreeManager(t)

	first, err := manager.Create("retry-task")
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	leftover := filepath.Join(first.Path, ".taskgraph-exit")
	if err := os.WriteFile(leftover, []byte("1\n"), 0644); err != nil {
		t.Fatalf("writing leftover: %v", err)
	}

	second, err := manager.Create("retry-task")
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if second.Path != first.Path {
		t.Errorf("expected same path, got %s and %s", first.Path, second.Path)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("output from the earlier attempt survived re-creation")
	}
}

func TestWorktreeCleanup(t *testing.T) {
	manager, repoPath := newTestWorktreeManager(t)

	info, err := manager.Create("cleanup-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Uncommitted changes force the fallback path
	if err := os.WriteFile(filepath.Join(info.Path, "dirty.txt"), []byte("uncommitted\n"), 0644); err != nil {
		t.Fatalf("failed to create dirty file: %v", err)
	}

	if err := manager.Cleanup(info); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Errorf("worktree directory still exists after cleanup")
	}
	if output := runGit(t, repoPath, "branch", "--list", info.Branch); strings.Contains(output, info.Branch) {
		t.Errorf("branch %s still exists after cleanup", info.Branch)
	}
}

func TestWorktreeCleanupWithoutBranchKeepsIt(t *testing.T) {
	manager, repoPath := newTestWorktreeManager(t)

	info, err := manager.Create("keep-branch")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := manager.Cleanup(&Info{Path: info.Path, TaskID: info.TaskID}); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Errorf("worktree directory still exists after cleanup")
	}
	if output := runGit(t, repoPath, "branch", "--list", info.Branch); !strings.Contains(output, info.Branch) {
		t.Errorf("branch %s should survive a path-only cleanup", info.Branch)
	}
}

func TestWorktreePruneAndList(t *testing.T) {
	manager, _ := newTestWorktreeManager(t)

	crashed, err := manager.Create("prune-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	kept, err := manager.Create("list-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate a crash that lost the worktree directory
	if err := os.RemoveAll(crashed.Path); err != nil {
		t.Fatalf("failed to remove worktree directory: %v", err)
	}
	if err := manager.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	worktrees, err := manager.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	// main worktree + list-task
	if len(worktrees) != 2 {
		t.Errorf("expected 2 worktrees, got %d", len(worktrees))
	}
	found := false
	for _, wt := range worktrees {
		if wt.Branch == crashed.Branch {
			t.Errorf("stale worktree %s still in list after prune", crashed.Branch)
		}
		if wt.Branch == kept.Branch && wt.TaskID == "list-task" {
			found = true
		}
	}
	if !found {
		t.Errorf("worktree %s missing from list", kept.Branch)
	}

	// Recreating after a crash works even though the branch survived
	if _, err := manager.Create("prune-task"); err != nil {
		t.Fatalf("Create after crash failed: %v", err)
	}
}
