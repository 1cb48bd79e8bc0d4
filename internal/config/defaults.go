package config

import (
	"time"

	"github.com/spf13/viper"
)

// Project-relative locations of runtime state.
const (
	StateDir          = ".taskgraph"
	DefaultLocksDir   = ".taskgraph/locks"
	DefaultCheckpoint = ".taskgraph/checkpoint.json"
	DefaultLedger     = ".taskgraph/ledger.db"
	DefaultWorkDir    = ".taskgraph/work"
	DefaultControlDir = ".taskgraph/control"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Loop: LoopConfig{
			Interval:        5 * time.Second,
			MaxConcurrent:   4,
			LockWait:        0,
			PollConcurrency: 8,
		},
		Locks: LocksConfig{
			Dir:          DefaultLocksDir,
			TTL:          300 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Checkpoint: CheckpointConfig{
			Path:   DefaultCheckpoint,
			Retain: 3,
		},
		Ledger: LedgerConfig{
			Path: DefaultLedger,
		},
		Bridge: BridgeConfig{
			Kind:      "process",
			Isolation: "dir",
			WorkDir:   DefaultWorkDir,
			Shell:     "/bin/sh",
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				Timeout:             30 * time.Second,
			},
		},
		Control: ControlConfig{
			Dir: DefaultControlDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// setDefaults registers every key with viper so env overrides and Unmarshal
// see the full key set.
func setDefaults(v *viper.Viper) {
	for key, value := range DefaultConfig().settings() {
		v.SetDefault(key, value)
	}
}

// settings flattens the config into dotted keys. Durations are rendered as
// strings so the result is also suitable for writing to YAML.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"loop.interval":                       c.Loop.Interval.String(),
		"loop.max_concurrent":                 c.Loop.MaxConcurrent,
		"loop.lock_wait":                      c.Loop.LockWait.String(),
		"loop.poll_concurrency":               c.Loop.PollConcurrency,
		"locks.dir":                           c.Locks.Dir,
		"locks.ttl":                           c.Locks.TTL.String(),
		"locks.poll_interval":                 c.Locks.PollInterval.String(),
		"checkpoint.path":                     c.Checkpoint.Path,
		"checkpoint.retain":                   c.Checkpoint.Retain,
		"ledger.path":                         c.Ledger.Path,
		"bridge.kind":                         c.Bridge.Kind,
		"bridge.isolation":                    c.Bridge.Isolation,
		"bridge.work_dir":                     c.Bridge.WorkDir,
		"bridge.shell":                        c.Bridge.Shell,
		"bridge.keep_workspaces":              c.Bridge.KeepWorkspaces,
		"bridge.retry.max_attempts":           c.Bridge.Retry.MaxAttempts,
		"bridge.retry.initial_interval":       c.Bridge.Retry.InitialInterval.String(),
		"bridge.retry.max_interval":           c.Bridge.Retry.MaxInterval.String(),
		"bridge.breaker.consecutive_failures": c.Bridge.Breaker.ConsecutiveFailures,
		"bridge.breaker.timeout":              c.Bridge.Breaker.Timeout.String(),
		"control.dir":                         c.Control.Dir,
		"log.level":                           c.Log.Level,
		"log.format":                          c.Log.Format,
	}
}
