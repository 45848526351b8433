package dependency

import "sort"

// Dependents computes the reverse graph: for each cell, the cells that
// directly depend on it.
func (g *Graph) Dependents() map[string][]string {
	reverse := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		reverse[id] = nil
	}
	for _, id := range g.order {
		for dep := range g.deps[id] {
			reverse[dep] = append(reverse[dep], id)
		}
	}
	return reverse
}

// DirtySet returns {changed} plus every transitive dependent of changed,
// found by breadth-first traversal of the reverse graph.
func (g *Graph) DirtySet(changed string) map[string]bool {
	dirty := map[string]bool{changed: true}
	if _, ok := g.pos[changed]; !ok {
		return dirty
	}

	reverse := g.Dependents()

	queue := append([]string{}, reverse[changed]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if dirty[current] {
			continue
		}
		dirty[current] = true
		queue = append(queue, reverse[current]...)
	}

	return dirty
}

// Plan returns the topologically ordered execution plan for an edit of
// changed: the dirty set sorted by Kahn's algorithm restricted to edges
// within the set, ties broken by display position.
func (g *Graph) Plan(changed string) []string {
	return g.sortSubset(g.DirtySet(changed))
}

// PlanAll returns a full-notebook execution plan covering every cell.
func (g *Graph) PlanAll() []string {
	all := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		all[id] = true
	}
	return g.sortSubset(all)
}

// sortSubset runs Kahn's algorithm over the subgraph induced by subset.
// The ready queue is re-sorted by display position before each pop, so
// whenever several cells are simultaneously ready the topmost runs first.
// This is the only place display order influences execution.
func (g *Graph) sortSubset(subset map[string]bool) []string {
	if len(subset) == 0 {
		return []string{}
	}

	inDegree := make(map[string]int, len(subset))
	for id := range subset {
		if _, ok := g.pos[id]; !ok {
			continue
		}
		inDegree[id] = 0
	}
	for id := range inDegree {
		for dep := range g.deps[id] {
			if _, ok := inDegree[dep]; ok {
				inDegree[id]++
			}
		}
	}

	var ready []string
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	byPosition := func(i, j int) bool {
		return g.pos[ready[i]] < g.pos[ready[j]]
	}

	result := make([]string, 0, len(inDegree))
	for len(ready) > 0 {
		sort.Slice(ready, byPosition)
		current := ready[0]
		ready = ready[1:]
		result = append(result, current)

		for id := range inDegree {
			if g.deps[id][current] {
				inDegree[id]--
				if inDegree[id] == 0 && id != current {
					ready = append(ready, id)
				}
			}
		}
		delete(inDegree, current)
	}

	return result
}
