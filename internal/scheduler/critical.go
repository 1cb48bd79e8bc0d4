package scheduler

// CriticalPath returns the chain of dependent tasks with the largest total
// EstimatedDuration, from a task without dependencies to a task without
// dependents, together with that total.
//
// Longest path over the topological order; ties resolve to the smaller id.
func (s *Scheduler) CriticalPath() ([]string, float64) {
	if len(s.order) == 0 {
		return nil, 0
	}

	dist := make(map[string]float64, len(s.order))
	pred := make(map[string]string, len(s.order))
	for _, id := range s.order {
		task := s.tasks[id]
		best, bestDep, found := 0.0, "", false
		for _, depID := range sortedCopy(task.Dependencies) {
			if !found || dist[depID] > best {
				best, bestDep, found = dist[depID], depID, true
			}
		}
		dist[id] = task.EstimatedDuration + best
		if found {
			pred[id] = bestDep
		}
	}

	end, total, found := "", 0.0, false
	for _, id := range s.ids {
		if len(s.dependents[id]) > 0 {
			continue
		}
		if !found || dist[id] > total {
			end, total, found = id, dist[id], true
		}
	}

	var path []string
	for cur := end; cur != ""; cur = pred[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, total
}
