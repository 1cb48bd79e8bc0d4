package config

import "time"

// Config is the top-level configuration.
type Config struct {
	Loop       LoopConfig       `mapstructure:"loop"`
	Locks      LocksConfig      `mapstructure:"locks"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Control    ControlConfig    `mapstructure:"control"`
	Log        LogConfig        `mapstructure:"log"`
}

// LoopConfig drives the automation loop.
type LoopConfig struct {
	Interval        time.Duration `mapstructure:"interval"`         // Time between ticks
	MaxConcurrent   int           `mapstructure:"max_concurrent"`   // Global ceiling on running tasks
	LockWait        time.Duration `mapstructure:"lock_wait"`        // 0 = single attempt per tick
	PollConcurrency int           `mapstructure:"poll_concurrency"` // Concurrent bridge polls per tick
}

// LocksConfig configures the lock manager.
type LocksConfig struct {
	Dir          string        `mapstructure:"dir"`
	TTL          time.Duration `mapstructure:"ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CheckpointConfig configures checkpoint persistence.
type CheckpointConfig struct {
	Path   string `mapstructure:"path"`
	Retain int    `mapstructure:"retain"` // Backups kept as path.1 .. path.N
}

// LedgerConfig configures the SQLite run ledger. An empty path disables it.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// BridgeConfig selects and tunes the worker bridge.
type BridgeConfig struct {
	Kind      string        `mapstructure:"kind"`      // "process" or "memory"
	Isolation string        `mapstructure:"isolation"` // "dir" or "worktree"
	WorkDir   string        `mapstructure:"work_dir"`
	Shell     string        `mapstructure:"shell"`
	Retry     RetryConfig   `mapstructure:"retry"`
	Breaker   BreakerConfig `mapstructure:"breaker"`

	// KeepWorkspaces leaves completed tasks' workspaces on disk. Failed
	// tasks' workspaces are always kept.
	KeepWorkspaces bool `mapstructure:"keep_workspaces"`
}

// RetryConfig bounds dispatch retries.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// BreakerConfig tunes the dispatch circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout"` // Open -> half-open delay
}

// ControlConfig locates the stop/pause control files.
type ControlConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}
