package scheduler

import "sort"

// ParallelismHint bounds how many tasks of one type may run at once.
type ParallelismHint struct {
	MaxWorkers  int  `json:"max_workers"`
	CanParallel bool `json:"can_parallel"`
}

// DefaultHint applies to every task type without an explicit hint.
var DefaultHint = ParallelismHint{MaxWorkers: DefaultMaxConcurrent, CanParallel: true}

// Hints maps a task type to its parallelism policy.
type Hints map[string]ParallelismHint

// Lookup returns the hint for a task type, falling back to DefaultHint.
func (h Hints) Lookup(taskType string) ParallelismHint {
	if hint, ok := h[taskType]; ok {
		return hint
	}
	return DefaultHint
}

// Types returns the task types that carry an explicit hint, ascending.
func (h Hints) Types() []string {
	types := make([]string, 0, len(h))
	for t := range h {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (h Hints) clone() Hints {
	out := make(Hints, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// MaxConcurrentFor computes the dispatch budget for a batch of ready tasks.
//
// Any hint with CanParallel=false serializes the whole batch (returns 1).
// Otherwise the result is the smallest MaxWorkers among the batch's hints,
// never above the global ceiling. An empty batch yields 0.
func (s *Scheduler) MaxConcurrentFor(ready []TaskNode) int {
	if len(ready) == 0 {
		return 0
	}

	limit := s.maxConcurrent
	for _, task := range ready {
		hint := s.hints.Lookup(task.Type)
		if !hint.CanParallel {
			return 1
		}
		if hint.MaxWorkers > 0 && hint.MaxWorkers < limit {
			limit = hint.MaxWorkers
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
