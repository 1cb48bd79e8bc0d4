package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicLock = "lock"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskSkipped    = "task.skipped"
	EventTypeLockContended  = "lock.contended"
	EventTypeLockReleased   = "lock.released"
	EventTypeRunProgress    = "run.progress"
	EventTypeRunFinished    = "run.finished"
)

// TaskDispatchedEvent is published when a task is handed to the worker bridge.
type TaskDispatchedEvent struct {
	ID        string
	Type      string
	Handle    string
	Resource  string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a worker reports success.
// Promoted lists dependents that became ready as a result.
type TaskCompletedEvent struct {
	ID        string
	Promoted  []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a worker reports failure.
type TaskFailedEvent struct {
	ID        string
	Detail    string
	Skipped   []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published for every dependent skipped by a failure.
type TaskSkippedEvent struct {
	ID        string
	Cause     string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// LockContendedEvent is published when a ready task could not take its lock.
type LockContendedEvent struct {
	ID        string
	Resource  string
	Holder    string
	Timestamp time.Time
}

func (e LockContendedEvent) EventType() string { return EventTypeLockContended }
func (e LockContendedEvent) TaskID() string    { return e.ID }

// LockReleasedEvent is published when a task's lock is released.
type LockReleasedEvent struct {
	ID        string
	Resource  string
	Timestamp time.Time
}

func (e LockReleasedEvent) EventType() string { return EventTypeLockReleased }
func (e LockReleasedEvent) TaskID() string    { return e.ID }

// RunProgressEvent is published at the end of every tick.
type RunProgressEvent struct {
	Tick      int
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Skipped   int
	Paused    bool
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }

// RunFinishedEvent is published once when the loop stops.
type RunFinishedEvent struct {
	RunID       string
	Interrupted bool
	Failed      int
	Skipped     int
	Timestamp   time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }
