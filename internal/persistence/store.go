// Package persistence keeps a SQLite ledger of orchestrator runs: which tasks
// each run scheduled, their latest status, and every status transition.
//
// The ledger is history for operators. Resume relies on the checkpoint, not
// on the ledger.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// ErrNotFound is returned when a run or task is not in the ledger.
var ErrNotFound = errors.New("not found")

// Run is one invocation of the automation loop.
type Run struct {
	ID         string
	SpecPath   string
	Resumed    bool
	Outcome    string // "", "complete", "failed", "interrupted"
	StartedAt  time.Time
	FinishedAt *time.Time
}

// TaskRecord is the latest ledger view of one task in a run.
type TaskRecord struct {
	ID                string
	Type              string
	Status            scheduler.TaskStatus
	ResourceLock      string
	Handle            string
	EstimatedDuration float64
	Dependencies      []string
	UpdatedAt         time.Time
}

// Transition is one recorded status change.
type Transition struct {
	TaskID string
	From   scheduler.TaskStatus
	To     scheduler.TaskStatus
	Detail string
	At     time.Time
}

// Store defines the ledger interface.
type Store interface {
	// Run operations
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID, outcome string, at time.Time) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)

	// Task operations
	SaveTasks(ctx context.Context, runID string, tasks []scheduler.TaskNode, at time.Time) error
	RecordTransition(ctx context.Context, runID string, tr Transition, handle string) error
	ListTasks(ctx context.Context, runID string) ([]TaskRecord, error)
	History(ctx context.Context, runID, taskID string) ([]Transition, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named database so parallel tests stay isolated.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:ledger-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps PRAGMA foreign_keys in effect for every
	// statement and serializes writers from the loop and the CLI.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
