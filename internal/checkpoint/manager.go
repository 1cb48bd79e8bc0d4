package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// DefaultRetain is the number of previous checkpoints kept as backups.
const DefaultRetain = 3

// Manager saves and loads the checkpoint at a single path.
type Manager struct {
	path   string
	retain int
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetain sets how many backups are rotated into path.1 .. path.N.
// Zero disables backups.
func WithRetain(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retain = n
		}
	}
}

// WithClock overrides the clock used to stamp SavedAt.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a checkpoint manager for path.
func NewManager(path string, opts ...Option) *Manager {
	if path == "" {
		path = DefaultPath
	}
	m := &Manager{
		path:   path,
		retain: DefaultRetain,
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the checkpoint file path.
func (m *Manager) Path() string { return m.path }

// Save writes a new checkpoint atomically. A reader sees either the previous
// checkpoint or the new one, never a partial file.
func (m *Manager) Save(state scheduler.State, metadata map[string]string) error {
	cp := Checkpoint{
		SchemaVersion: SchemaVersion,
		SavedAt:       m.clock.Now().UTC(),
		State:         state,
		Metadata:      metadata,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	data = append(data, '\n')

	if err := m.rotate(); err != nil {
		// A failed rotation only costs a backup
		m.logger.Warn("checkpoint backup rotation failed", zap.Error(err))
	}
	if err := writeFileAtomicDurable(m.path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	m.logger.Debug("checkpoint saved", zap.String("path", m.path), zap.Int("tasks", len(state.Tasks)))
	return nil
}

// Load reads the current checkpoint. It returns ErrNoCheckpoint when none
// exists and a *CorruptError when the file cannot be used.
func (m *Manager) Load() (*Checkpoint, error) {
	return m.load(m.path)
}

// LoadBackup reads the n-th most recent backup (1-based).
func (m *Manager) LoadBackup(n int) (*Checkpoint, error) {
	if n < 1 {
		return nil, fmt.Errorf("backup index must be at least 1, got %d", n)
	}
	return m.load(m.backupPath(n))
}

func (m *Manager) load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, &CorruptError{Path: path, Reason: "unreadable", Err: err}
	}
	defer f.Close()

	var cp Checkpoint
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cp); err != nil {
		return nil, &CorruptError{Path: path, Reason: "undecodable", Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, &CorruptError{Path: path, Reason: "trailing content after checkpoint"}
	}
	if cp.SchemaVersion < 1 || cp.SchemaVersion > SchemaVersion {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("unsupported schema version %d", cp.SchemaVersion)}
	}
	return &cp, nil
}

// Clear removes the checkpoint and its backups.
func (m *Manager) Clear() error {
	var errs error
	for _, p := range m.allPaths() {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		m.logger.Debug("checkpoint cleared", zap.String("path", m.path))
	}
	return errs
}

// Exists reports whether a checkpoint file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// rotate shifts path.(k) to path.(k+1) and hard-links the current
// checkpoint to path.1, so the current file stays in place until the new
// one is renamed over it.
func (m *Manager) rotate() error {
	if m.retain == 0 {
		return nil
	}
	if _, err := os.Stat(m.path); err != nil {
		return nil
	}
	if err := os.Remove(m.backupPath(m.retain)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for k := m.retain - 1; k >= 1; k-- {
		if err := os.Rename(m.backupPath(k), m.backupPath(k+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.Link(m.path, m.backupPath(1))
}

func (m *Manager) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", m.path, n)
}

func (m *Manager) allPaths() []string {
	paths := []string{m.path}
	for k := 1; k <= m.retain; k++ {
		paths = append(paths, m.backupPath(k))
	}
	return paths
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
