package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// DefaultMaxConcurrent is the global concurrency ceiling used when none is given.
const DefaultMaxConcurrent = 4

// Scheduler holds the task graph and drives task status transitions.
//
// A Scheduler is not safe for concurrent use. It is owned by a single control
// loop which mutates it at tick boundaries.
type Scheduler struct {
	tasks         map[string]*TaskNode
	ids           []string            // All task IDs, ascending
	dependents    map[string][]string // taskID -> tasks that depend on it, ascending
	order         []string            // Deterministic topological order
	hints         Hints
	maxConcurrent int
}

// New builds a scheduler from task definitions. Statuses on the input are
// ignored: tasks without dependencies start READY, all others PENDING.
//
// Fails with ErrInvalidGraph, ErrUnknownDependency or a *CycleError.
func New(nodes []TaskNode, hints Hints, maxConcurrent int) (*Scheduler, error) {
	s, err := build(nodes, hints, maxConcurrent)
	if err != nil {
		return nil, err
	}
	for _, id := range s.ids {
		task := s.tasks[id]
		if len(task.Dependencies) == 0 {
			task.Status = TaskReady
		} else {
			task.Status = TaskPending
		}
		task.Handle = ""
	}
	return s, nil
}

func build(nodes []TaskNode, hints Hints, maxConcurrent int) (*Scheduler, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	s := &Scheduler{
		tasks:         make(map[string]*TaskNode, len(nodes)),
		dependents:    make(map[string][]string),
		hints:         hints.clone(),
		maxConcurrent: maxConcurrent,
	}

	for i := range nodes {
		task := cloneNode(&nodes[i])
		if task.ID == "" {
			return nil, invalidf("task at index %d has an empty id", i)
		}
		if _, exists := s.tasks[task.ID]; exists {
			return nil, invalidf("task with ID %q already exists", task.ID)
		}
		if task.Type == "" {
			task.Type = DefaultType
		}
		if task.EstimatedDuration == 0 {
			task.EstimatedDuration = 1
		}
		task.Dependencies = dedupe(task.Dependencies)
		s.tasks[task.ID] = &task
		s.ids = append(s.ids, task.ID)
	}
	sort.Strings(s.ids)

	// Verify all dependencies exist before looking for cycles
	for _, id := range s.ids {
		for _, depID := range s.tasks[id].Dependencies {
			if depID == id {
				return nil, &CycleError{Path: []string{id, id}}
			}
			if _, exists := s.tasks[depID]; !exists {
				return nil, fmt.Errorf("%w: task %q depends on non-existent task %q", ErrUnknownDependency, id, depID)
			}
			s.dependents[depID] = append(s.dependents[depID], id)
		}
	}
	for _, deps := range s.dependents {
		sort.Strings(deps)
	}

	order, err := s.topoOrder()
	if err != nil {
		return nil, err
	}
	s.order = order
	return s, nil
}

// topoOrder sorts the graph with toposort and then stabilizes the result by
// (depth, id) so that iteration order does not depend on map ordering.
func (s *Scheduler) topoOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range s.ids {
		task := s.tasks[id]
		if len(task.Dependencies) == 0 {
			// Edge from nil ensures isolated tasks are included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.Dependencies {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		if path := s.findCycle(); len(path) > 0 {
			return nil, &CycleError{Path: path}
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	depth := make(map[string]int, len(s.tasks))
	order := make([]string, 0, len(s.tasks))
	for _, v := range sorted {
		if v == nil {
			continue
		}
		id := v.(string)
		d := 0
		for _, depID := range s.tasks[id].Dependencies {
			if depth[depID]+1 > d {
				d = depth[depID] + 1
			}
		}
		depth[id] = d
		order = append(order, id)
	}

	if len(order) != len(s.tasks) {
		// Tasks missing from the sort can only sit on a cycle
		if path := s.findCycle(); len(path) > 0 {
			return nil, &CycleError{Path: path}
		}
		return nil, invalidf("topological sort lost %d tasks", len(s.tasks)-len(order))
	}

	sort.SliceStable(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] < depth[order[j]]
		}
		return order[i] < order[j]
	})
	return order, nil
}

// findCycle runs a DFS in ascending id order along dependency edges
// (dependency -> dependent) and returns one closed walk of the first cycle
// found, or nil.
func (s *Scheduler) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(s.tasks))
	parent := make(map[string]string, len(s.tasks))

	var cycle []string
	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range s.dependents[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge u -> v: walk parents from u back to v
				walk := []string{u}
				for cur := u; cur != v; {
					cur = parent[cur]
					walk = append(walk, cur)
				}
				// walk is [u ... v] in reverse; emit v ... u v
				for i := len(walk) - 1; i >= 0; i-- {
					cycle = append(cycle, walk[i])
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range s.ids {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

// ReadyTasks returns every READY task in ascending id order.
func (s *Scheduler) ReadyTasks() []TaskNode {
	return s.withStatus(TaskReady)
}

// Running returns every RUNNING task in ascending id order.
func (s *Scheduler) Running() []TaskNode {
	return s.withStatus(TaskRunning)
}

func (s *Scheduler) withStatus(status TaskStatus) []TaskNode {
	out := []TaskNode{}
	for _, id := range s.ids {
		if task := s.tasks[id]; task.Status == status {
			out = append(out, cloneNode(task))
		}
	}
	return out
}

// MarkRunning moves a task READY -> RUNNING.
func (s *Scheduler) MarkRunning(taskID string) error {
	return s.MarkRunningWithHandle(taskID, "")
}

// MarkRunningWithHandle moves a task READY -> RUNNING and records the worker
// handle so a resumed scheduler can re-observe the worker.
func (s *Scheduler) MarkRunningWithHandle(taskID, handle string) error {
	task, err := s.transition(taskID, TaskReady, TaskRunning)
	if err != nil {
		return err
	}
	task.Handle = handle
	return nil
}

// MarkCompleted moves a task RUNNING -> COMPLETED and promotes every direct
// dependent whose dependencies are now all COMPLETED to READY. It returns the
// promoted task IDs in ascending order.
func (s *Scheduler) MarkCompleted(taskID string) ([]string, error) {
	if _, err := s.transition(taskID, TaskRunning, TaskCompleted); err != nil {
		return nil, err
	}

	var promoted []string
	for _, depID := range s.dependents[taskID] {
		dependent := s.tasks[depID]
		if dependent.Status != TaskPending {
			continue
		}
		if s.dependenciesCompleted(dependent) {
			dependent.Status = TaskReady
			promoted = append(promoted, depID)
		}
	}
	return promoted, nil
}

// MarkFailed moves a task RUNNING -> FAILED and cascades SKIPPED to every
// transitive dependent still PENDING or READY. It returns the skipped task
// IDs in ascending order.
func (s *Scheduler) MarkFailed(taskID string) ([]string, error) {
	if _, err := s.transition(taskID, TaskRunning, TaskFailed); err != nil {
		return nil, err
	}

	visited := map[string]bool{taskID: true}
	queue := append([]string(nil), s.dependents[taskID]...)
	var skipped []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		task := s.tasks[id]
		if task.Status == TaskPending || task.Status == TaskReady {
			task.Status = TaskSkipped
			skipped = append(skipped, id)
		}
		for _, next := range s.dependents[id] {
			if !visited[next] {
				queue = append(queue, next)
			}
		}
	}
	sort.Strings(skipped)
	return skipped, nil
}

func (s *Scheduler) transition(taskID string, from, to TaskStatus) (*TaskNode, error) {
	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	if task.Status != from {
		return nil, &TransitionError{TaskID: taskID, From: task.Status, To: to}
	}
	task.Status = to
	return task, nil
}

func (s *Scheduler) dependenciesCompleted(task *TaskNode) bool {
	for _, depID := range task.Dependencies {
		if s.tasks[depID].Status != TaskCompleted {
			return false
		}
	}
	return true
}

// IsComplete reports whether every task reached a terminal status.
func (s *Scheduler) IsComplete() bool {
	for _, task := range s.tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of tasks in each status.
func (s *Scheduler) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, len(statusNames))
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts
}

// Task returns a copy of the task with the given ID.
func (s *Scheduler) Task(taskID string) (TaskNode, bool) {
	task, exists := s.tasks[taskID]
	if !exists {
		return TaskNode{}, false
	}
	return cloneNode(task), true
}

// Tasks returns copies of all tasks in topological order.
func (s *Scheduler) Tasks() []TaskNode {
	out := make([]TaskNode, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneNode(s.tasks[id]))
	}
	return out
}

// Order returns the deterministic topological order of task IDs.
func (s *Scheduler) Order() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of tasks.
func (s *Scheduler) Len() int { return len(s.tasks) }

// MaxConcurrent returns the global concurrency ceiling.
func (s *Scheduler) MaxConcurrent() int { return s.maxConcurrent }

// Hints returns a copy of the parallelism hint table.
func (s *Scheduler) Hints() Hints { return s.hints.clone() }

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
