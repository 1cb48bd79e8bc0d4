package scheduler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Scheduler {
	t.Helper()
	hints := Hints{"test": {MaxWorkers: 2, CanParallel: true}, "db": {MaxWorkers: 1, CanParallel: false}}
	s, err := New([]TaskNode{
		{ID: "A", EstimatedDuration: 3, Type: "db", ResourceLock: "database-migration"},
		{ID: "B", Dependencies: []string{"A"}, Type: "test"},
		{ID: "C", Dependencies: []string{"A"}, Type: "test", Command: "make test"},
		{ID: "D", Dependencies: []string{"B", "C"}},
	}, hints, 3)
	require.NoError(t, err)
	return s
}

// assertSameQueries checks that two schedulers answer every query identically.
func assertSameQueries(t *testing.T, want, got *Scheduler) {
	t.Helper()
	assert.Equal(t, want.Tasks(), got.Tasks())
	assert.Equal(t, want.Order(), got.Order())
	assert.Equal(t, want.ReadyTasks(), got.ReadyTasks())
	assert.Equal(t, want.Running(), got.Running())
	assert.Equal(t, want.Counts(), got.Counts())
	assert.Equal(t, want.IsComplete(), got.IsComplete())
	assert.Equal(t, want.MaxConcurrent(), got.MaxConcurrent())
	assert.Equal(t, want.Hints(), got.Hints())
	assert.Equal(t, want.MaxConcurrentFor(want.ReadyTasks()), got.MaxConcurrentFor(got.ReadyTasks()))

	wantPath, wantTotal := want.CriticalPath()
	gotPath, gotTotal := got.CriticalPath()
	assert.Equal(t, wantPath, gotPath)
	assert.Equal(t, wantTotal, gotTotal)
}

func TestStateRoundTrip(t *testing.T) {
	s := diamond(t)
	require.NoError(t, s.MarkRunning("A"))
	_, err := s.MarkCompleted("A")
	require.NoError(t, err)
	require.NoError(t, s.MarkRunningWithHandle("B", "h-b"))

	restored, err := FromState(s.State())
	require.NoError(t, err)
	assertSameQueries(t, s, restored)

	// Through JSON, as the checkpoint stores it
	data, err := json.Marshal(s.State())
	require.NoError(t, err)
	var decoded State
	require.NoError(t, json.Unmarshal(data, &decoded))
	fromJSON, err := FromState(decoded)
	require.NoError(t, err)
	assertSameQueries(t, s, fromJSON)
	assert.Equal(t, s.State(), fromJSON.State())
}

func TestStateRoundTripAfterFailure(t *testing.T) {
	s := diamond(t)
	require.NoError(t, s.MarkRunning("A"))
	_, err := s.MarkFailed("A")
	require.NoError(t, err)

	restored, err := FromState(s.State())
	require.NoError(t, err)
	assertSameQueries(t, s, restored)
	assert.True(t, restored.IsComplete())
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(TaskNode{ID: "A", Status: TaskSkipped})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"skipped"`)

	var n TaskNode
	require.Error(t, json.Unmarshal([]byte(`{"id":"A","status":"bogus"}`), &n))
}

func TestFromStateRejectsInconsistentStatuses(t *testing.T) {
	tests := []struct {
		name  string
		tasks []TaskNode
	}{
		{
			name:  "pending with completed dependencies",
			tasks: []TaskNode{{ID: "A", Status: TaskCompleted}, {ID: "B", Dependencies: []string{"A"}, Status: TaskPending}},
		},
		{
			name:  "running ahead of its dependency",
			tasks: []TaskNode{{ID: "A", Status: TaskReady}, {ID: "B", Dependencies: []string{"A"}, Status: TaskRunning}},
		},
		{
			name:  "skipped without failure",
			tasks: []TaskNode{{ID: "A", Status: TaskCompleted}, {ID: "B", Dependencies: []string{"A"}, Status: TaskSkipped}},
		},
		{
			name:  "root left pending",
			tasks: []TaskNode{{ID: "A", Status: TaskPending}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromState(State{Tasks: tt.tasks})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidGraph)
		})
	}
}

func TestFromStateRejectsCycles(t *testing.T) {
	_, err := FromState(State{Tasks: []TaskNode{
		{ID: "A", Dependencies: []string{"B"}, Status: TaskPending},
		{ID: "B", Dependencies: []string{"A"}, Status: TaskPending},
	}})
	assert.ErrorIs(t, err, ErrCycle)
}
