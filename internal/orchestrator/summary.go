package orchestrator

import (
	"time"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// Summary is the state of the graph when a run stops.
type Summary struct {
	RunID       string
	Resumed     bool
	Interrupted bool
	Ticks       int
	Elapsed     time.Duration
	Completed   []string
	Failed      []string
	Skipped     []string // Never ran because a dependency failed
	Pending     []string // Pending, ready or still running
}

// OK reports whether every task completed.
func (s *Summary) OK() bool {
	return !s.Interrupted && len(s.Failed) == 0 && len(s.Skipped) == 0 && len(s.Pending) == 0
}

// Total returns the number of tasks in the graph.
func (s *Summary) Total() int {
	return len(s.Completed) + len(s.Failed) + len(s.Skipped) + len(s.Pending)
}

// Summary reports the current state of the graph, ids in topological order.
func (l *Loop) Summary() *Summary {
	s := &Summary{
		RunID:   l.cfg.RunID,
		Resumed: l.resumed,
		Ticks:   l.tick,
	}
	if !l.begin.IsZero() {
		s.Elapsed = l.clock.Since(l.begin)
	}
	if l.sched == nil {
		return s
	}
	for _, task := range l.sched.Tasks() {
		switch task.Status {
		case scheduler.TaskCompleted:
			s.Completed = append(s.Completed, task.ID)
		case scheduler.TaskFailed:
			s.Failed = append(s.Failed, task.ID)
		case scheduler.TaskSkipped:
			s.Skipped = append(s.Skipped, task.ID)
		default:
			s.Pending = append(s.Pending, task.ID)
		}
	}
	return s
}
