package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TASKGRAPH_LOOP_INTERVAL.
const EnvPrefix = "TASKGRAPH"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files are.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns ~/.taskgraph/config.yaml.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, StateDir, "config.yaml"), nil
}

// ProjectPath returns <root>/.taskgraph/config.yaml.
func ProjectPath(root string) string {
	return filepath.Join(root, StateDir, "config.yaml")
}

// LoadDefault loads configuration from the conventional global path and the
// project config under root.
func LoadDefault(root string) (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath(root))
}

// mergeConfigFile merges one config file over the settings in v.
// Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	layer := viper.New()
	layer.SetConfigFile(path)
	if err := layer.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	switch {
	case c.Loop.Interval <= 0:
		return fmt.Errorf("loop.interval must be positive, got %s", c.Loop.Interval)
	case c.Loop.MaxConcurrent < 1:
		return fmt.Errorf("loop.max_concurrent must be at least 1, got %d", c.Loop.MaxConcurrent)
	case c.Loop.LockWait < 0:
		return fmt.Errorf("loop.lock_wait must not be negative")
	case c.Loop.PollConcurrency < 1:
		return fmt.Errorf("loop.poll_concurrency must be at least 1, got %d", c.Loop.PollConcurrency)
	case c.Locks.TTL <= 0:
		return fmt.Errorf("locks.ttl must be positive, got %s", c.Locks.TTL)
	case c.Checkpoint.Retain < 0:
		return fmt.Errorf("checkpoint.retain must not be negative")
	case c.Bridge.Retry.MaxAttempts < 1:
		return fmt.Errorf("bridge.retry.max_attempts must be at least 1")
	}
	switch c.Bridge.Kind {
	case "process", "memory":
	default:
		return fmt.Errorf("bridge.kind must be process or memory, got %q", c.Bridge.Kind)
	}
	switch c.Bridge.Isolation {
	case "dir", "worktree":
	default:
		return fmt.Errorf("bridge.isolation must be dir or worktree, got %q", c.Bridge.Isolation)
	}
	return nil
}

// Resolve returns a copy with every relative state path joined to root.
func (c *Config) Resolve(root string) *Config {
	out := *c
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	out.Locks.Dir = abs(c.Locks.Dir)
	out.Checkpoint.Path = abs(c.Checkpoint.Path)
	out.Ledger.Path = abs(c.Ledger.Path)
	out.Bridge.WorkDir = abs(c.Bridge.WorkDir)
	out.Control.Dir = abs(c.Control.Dir)
	return &out
}
