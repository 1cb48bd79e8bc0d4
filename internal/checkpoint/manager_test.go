package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskgraph/internal/scheduler"
)

func chain(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New([]scheduler.TaskNode{
		{ID: "A", EstimatedDuration: 10},
		{ID: "B", Dependencies: []string{"A"}, EstimatedDuration: 20},
		{ID: "C", Dependencies: []string{"B"}, EstimatedDuration: 5},
	}, nil, 0)
	require.NoError(t, err)
	return s
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), ".taskgraph", "checkpoint.json"), opts...)
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	m := newManager(t)

	_, err := m.Load()
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	assert.NotErrorIs(t, err, ErrCorrupt)
	assert.False(t, m.Exists())
}

func TestSaveAndResume(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	m := newManager(t, WithClock(mock))

	s := chain(t)
	require.NoError(t, s.MarkRunning("A"))
	_, err := s.MarkCompleted("A")
	require.NoError(t, err)

	require.NoError(t, m.Save(s.State(), map[string]string{"run_id": "r1"}))
	assert.True(t, m.Exists())

	cp, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, cp.SchemaVersion)
	assert.True(t, mock.Now().Equal(cp.SavedAt))
	assert.Equal(t, "r1", cp.Metadata["run_id"])
	assert.Equal(t, []string{"A", "B", "C"}, cp.State.CriticalPath)

	resumed, err := cp.Restore(m.Path())
	require.NoError(t, err)

	a, _ := resumed.Task("A")
	assert.Equal(t, scheduler.TaskCompleted, a.Status, "completed work is not redone")
	ready := resumed.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "B", ready[0].ID)
}

func TestCorruptCheckpoint(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "{not json"},
		{"truncated", `{"schema_version": 1, "state": {"tasks": [`},
		{"trailing content", `{"schema_version": 1, "saved_at": "2026-01-01T00:00:00Z", "state": {"tasks": []}} {}`},
		{"unknown field", `{"schema_version": 1, "state": {"tasks": []}, "extra": true}`},
		{"newer schema", `{"schema_version": 99, "state": {"tasks": []}}`},
		{"missing schema", `{"state": {"tasks": []}}`},
		{"bad status", `{"schema_version": 1, "state": {"tasks": [{"id": "A", "status": "exploded"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0o755))
			require.NoError(t, os.WriteFile(m.Path(), []byte(tt.content), 0o644))

			_, err := m.Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupt)
			assert.NotErrorIs(t, err, ErrNoCheckpoint)

			var corrupt *CorruptError
			require.True(t, errors.As(err, &corrupt))
			assert.Equal(t, m.Path(), corrupt.Path)
		})
	}
}

func TestRestoreRejectsInconsistentState(t *testing.T) {
	m := newManager(t)
	state := chain(t).State()
	state.Tasks[2].Status = scheduler.TaskCompleted // C completed before B

	require.NoError(t, m.Save(state, nil))
	cp, err := m.Load()
	require.NoError(t, err)

	_, err = cp.Restore(m.Path())
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, err, scheduler.ErrInvalidGraph)
}

func TestBackupsRotate(t *testing.T) {
	m := newManager(t, WithRetain(2))
	s := chain(t)

	for i, run := range []string{"r1", "r2", "r3", "r4"} {
		require.NoError(t, m.Save(s.State(), map[string]string{"run_id": run}), "save %d", i)
	}

	cp, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "r4", cp.Metadata["run_id"])

	b1, err := m.LoadBackup(1)
	require.NoError(t, err)
	assert.Equal(t, "r3", b1.Metadata["run_id"])

	b2, err := m.LoadBackup(2)
	require.NoError(t, err)
	assert.Equal(t, "r2", b2.Metadata["run_id"])

	_, err = m.LoadBackup(3)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	_, err = m.LoadBackup(0)
	assert.Error(t, err)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	m := newManager(t, WithRetain(0))
	require.NoError(t, m.Save(chain(t).State(), nil))
	require.NoError(t, m.Save(chain(t).State(), nil))

	entries, err := os.ReadDir(filepath.Dir(m.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint.json", entries[0].Name())
}

func TestClear(t *testing.T) {
	m := newManager(t)
	s := chain(t)
	require.NoError(t, m.Save(s.State(), nil))
	require.NoError(t, m.Save(s.State(), nil))

	require.NoError(t, m.Clear())
	_, err := m.Load()
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	_, err = m.LoadBackup(1)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	assert.NoError(t, m.Clear(), "clearing twice is fine")
}
