package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalConfig  string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Loop.Interval != 5*time.Second {
					t.Errorf("expected 5s interval, got %s", cfg.Loop.Interval)
				}
				if cfg.Locks.TTL != 300*time.Second {
					t.Errorf("expected 300s lock ttl, got %s", cfg.Locks.TTL)
				}
				if cfg.Loop.LockWait != 0 {
					t.Errorf("expected zero lock wait, got %s", cfg.Loop.LockWait)
				}
				if cfg.Bridge.Kind != "process" {
					t.Errorf("expected process bridge, got %q", cfg.Bridge.Kind)
				}
				if cfg.Bridge.Breaker.ConsecutiveFailures != 5 {
					t.Errorf("expected 5 breaker failures, got %d", cfg.Bridge.Breaker.ConsecutiveFailures)
				}
				if cfg.Bridge.KeepWorkspaces {
					t.Error("completed workspaces should be removed by default")
				}
			},
		},
		{
			name:         "Global only - overrides interval",
			globalConfig: "loop:\n  interval: 2s\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Loop.Interval != 2*time.Second {
					t.Errorf("expected 2s interval, got %s", cfg.Loop.Interval)
				}
				if cfg.Loop.MaxConcurrent != 4 {
					t.Errorf("sibling keys should keep defaults, got max_concurrent %d", cfg.Loop.MaxConcurrent)
				}
			},
		},
		{
			name:          "Both - project overrides global",
			globalConfig:  "loop:\n  interval: 2s\n  max_concurrent: 8\nlog:\n  level: debug\n",
			projectConfig: "loop:\n  interval: 1s\nbridge:\n  kind: memory\n  keep_workspaces: true\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Loop.Interval != time.Second {
					t.Errorf("expected project interval 1s, got %s", cfg.Loop.Interval)
				}
				if cfg.Loop.MaxConcurrent != 8 {
					t.Errorf("expected global max_concurrent 8, got %d", cfg.Loop.MaxConcurrent)
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("expected global log level, got %q", cfg.Log.Level)
				}
				if cfg.Bridge.Kind != "memory" {
					t.Errorf("expected memory bridge, got %q", cfg.Bridge.Kind)
				}
				if !cfg.Bridge.KeepWorkspaces {
					t.Error("expected keep_workspaces from project config")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global", "config.yaml")
			projectPath := filepath.Join(dir, "project", "config.yaml")
			if tt.globalConfig != "" {
				writeFile(t, globalPath, tt.globalConfig)
			}
			if tt.projectConfig != "" {
				writeFile(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TASKGRAPH_LOOP_INTERVAL", "250ms")
	t.Setenv("TASKGRAPH_LOCKS_TTL", "1m")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Loop.Interval != 250*time.Millisecond {
		t.Errorf("expected env interval 250ms, got %s", cfg.Loop.Interval)
	}
	if cfg.Locks.TTL != time.Minute {
		t.Errorf("expected env ttl 1m, got %s", cfg.Locks.TTL)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "loop: [unterminated")

	if _, err := Load(path, ""); err == nil {
		t.Error("expected error for malformed YAML, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero interval", "loop:\n  interval: 0s\n"},
		{"zero concurrency", "loop:\n  max_concurrent: 0\n"},
		{"unknown bridge", "bridge:\n  kind: carrier-pigeon\n"},
		{"unknown isolation", "bridge:\n  isolation: vm\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)
			if _, err := Load("", path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.yaml"), filepath.Join(dir, "also-nope.yaml"))
	if err != nil {
		t.Fatalf("missing files should not error: %v", err)
	}
	if cfg.Checkpoint.Retain != 3 {
		t.Errorf("expected default retain 3, got %d", cfg.Checkpoint.Retain)
	}
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ledger.Path = "/var/lib/ledger.db"

	resolved := cfg.Resolve("/work/project")
	if resolved.Locks.Dir != "/work/project/.taskgraph/locks" {
		t.Errorf("unexpected locks dir %q", resolved.Locks.Dir)
	}
	if resolved.Ledger.Path != "/var/lib/ledger.db" {
		t.Errorf("absolute paths must be kept, got %q", resolved.Ledger.Path)
	}
	if cfg.Locks.Dir != DefaultLocksDir {
		t.Error("Resolve must not modify the receiver")
	}
}
