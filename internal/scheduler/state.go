package scheduler

import "sort"

// State is the serializable snapshot of a scheduler.
type State struct {
	Tasks         []TaskNode `json:"tasks"`
	CriticalPath  []string   `json:"critical_path"`
	Hints         Hints      `json:"hints"`
	MaxConcurrent int        `json:"max_concurrent"`
}

// State captures the full scheduler state. Tasks are listed in topological order.
func (s *Scheduler) State() State {
	path, _ := s.CriticalPath()
	if path == nil {
		path = []string{}
	}
	return State{
		Tasks:         s.Tasks(),
		CriticalPath:  path,
		Hints:         s.hints.clone(),
		MaxConcurrent: s.maxConcurrent,
	}
}

// FromState rebuilds a scheduler from a snapshot, keeping every task status.
//
// The graph is re-validated and statuses must be consistent with it: READY
// exactly when all dependencies are COMPLETED, RUNNING/COMPLETED/FAILED only
// after all dependencies completed, and SKIPPED only below a failed or
// skipped dependency.
func FromState(state State) (*Scheduler, error) {
	s, err := build(state.Tasks, state.Hints, state.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatuses(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) checkStatuses() error {
	for _, id := range s.ids {
		task := s.tasks[id]
		if task.Status < TaskPending || task.Status > TaskSkipped {
			return invalidf("task %q has unknown status %d", id, int(task.Status))
		}
		depsDone := s.dependenciesCompleted(task)
		switch task.Status {
		case TaskPending:
			if depsDone {
				return invalidf("task %q is pending but all dependencies completed", id)
			}
		case TaskReady, TaskRunning, TaskCompleted, TaskFailed:
			if !depsDone {
				return invalidf("task %q is %s with unfinished dependencies", id, task.Status)
			}
		case TaskSkipped:
			if !s.hasBlockedDependency(task) {
				return invalidf("task %q is skipped without a failed dependency", id)
			}
		}
	}
	return nil
}

func (s *Scheduler) hasBlockedDependency(task *TaskNode) bool {
	for _, depID := range task.Dependencies {
		switch s.tasks[depID].Status {
		case TaskFailed, TaskSkipped:
			return true
		}
	}
	return false
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
