package dependency

import (
	"fmt"
	"sort"
	"strings"
)

// CellSource pairs a cell id with its current source, in display order.
type CellSource struct {
	ID     string
	Source string
}

// DuplicateDefinitionError reports a symbol defined by more than one cell.
// Positions are 1-indexed display positions of the offending cells.
type DuplicateDefinitionError struct {
	Symbol    string
	CellIDs   []string
	Positions []int
}

// Error renders the offending cells by display position.
func (e *DuplicateDefinitionError) Error() string {
	parts := make([]string, len(e.Positions))
	for i, pos := range e.Positions {
		parts[i] = fmt.Sprintf("cell %d", pos)
	}
	return fmt.Sprintf("Variable '%s' is defined in multiple cells: %s", e.Symbol, strings.Join(parts, ", "))
}

// CircularDependencyError reports a dependency cycle. Positions are the
// 1-indexed display positions along the cycle, ending where it started.
type CircularDependencyError struct {
	CellIDs   []string
	Positions []int
}

// Error renders the cycle trace by display position.
func (e *CircularDependencyError) Error() string {
	parts := make([]string, len(e.Positions))
	for i, pos := range e.Positions {
		parts[i] = fmt.Sprintf("cell %d", pos)
	}
	return fmt.Sprintf("Circular dependency detected: %s", strings.Join(parts, " -> "))
}

// Graph is the cell-level dependency DAG for one snapshot of a notebook.
//
// Edges are derived purely from symbol sets: deps(c) contains every cell
// whose defined set intersects c's used set. Display position is kept only
// as a tiebreaker for deterministic planning and for human-readable error
// messages; it never influences which edges exist.
type Graph struct {
	order   []string
	pos     map[string]int
	defined map[string]SymbolSet
	used    map[string]SymbolSet
	definer map[string]string
	deps    map[string]map[string]bool
}

// BuildGraph analyzes all cells and assembles the dependency graph.
//
// Duplicate definitions are detected before cycles: with two definers the
// notion of "the defining cell" is ill-defined, so cycle detection over
// such a graph would be meaningless.
func BuildGraph(cells []CellSource, analyzer *Analyzer) (*Graph, error) {
	g := &Graph{
		order:   make([]string, 0, len(cells)),
		pos:     make(map[string]int, len(cells)),
		defined: make(map[string]SymbolSet, len(cells)),
		used:    make(map[string]SymbolSet, len(cells)),
		definer: make(map[string]string),
		deps:    make(map[string]map[string]bool, len(cells)),
	}

	for i, cell := range cells {
		g.order = append(g.order, cell.ID)
		g.pos[cell.ID] = i

		defined, used := analyzer.Extract(cell.Source)
		g.defined[cell.ID] = defined
		g.used[cell.ID] = used
	}

	if err := g.checkDuplicates(); err != nil {
		return nil, err
	}

	for _, id := range g.order {
		for symbol := range g.defined[id] {
			g.definer[symbol] = id
		}
	}

	for _, id := range g.order {
		deps := make(map[string]bool)
		for symbol := range g.used[id] {
			if def, ok := g.definer[symbol]; ok && def != id {
				deps[def] = true
			}
		}
		g.deps[id] = deps
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// checkDuplicates indexes every defined symbol and fails on the first one
// with two or more definers. The reported symbol is deterministic: lowest
// first-definer position wins, then lexicographic symbol order.
func (g *Graph) checkDuplicates() error {
	definers := make(map[string][]string)
	for _, id := range g.order {
		for symbol := range g.defined[id] {
			definers[symbol] = append(definers[symbol], id)
		}
	}

	var duplicated []string
	for symbol, ids := range definers {
		if len(ids) >= 2 {
			duplicated = append(duplicated, symbol)
		}
	}
	if len(duplicated) == 0 {
		return nil
	}

	sort.Slice(duplicated, func(i, j int) bool {
		pi := g.pos[definers[duplicated[i]][0]]
		pj := g.pos[definers[duplicated[j]][0]]
		if pi != pj {
			return pi < pj
		}
		return duplicated[i] < duplicated[j]
	})

	symbol := duplicated[0]
	ids := definers[symbol]
	positions := make([]int, len(ids))
	for i, id := range ids {
		positions[i] = g.pos[id] + 1
	}

	return &DuplicateDefinitionError{
		Symbol:    symbol,
		CellIDs:   ids,
		Positions: positions,
	}
}

// Three-color DFS marking.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS stack
	colorBlack        // fully explored
)

// checkCycles runs a depth-first search with three-color marking. Hitting a
// gray node means the current path loops back to it; the trace from its
// first occurrence through the current node forms the reported cycle.
func (g *Graph) checkCycles() error {
	color := make(map[string]int, len(g.order))

	var path []string

	var visit func(id string) *CircularDependencyError
	visit = func(id string) *CircularDependencyError {
		color[id] = colorGray
		path = append(path, id)

		for _, dep := range g.sortedDeps(id) {
			switch color[dep] {
			case colorGray:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				positions := make([]int, len(cycle))
				for i, c := range cycle {
					positions[i] = g.pos[c] + 1
				}
				return &CircularDependencyError{CellIDs: cycle, Positions: positions}
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = colorBlack
		return nil
	}

	for _, id := range g.order {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	return nil
}

// sortedDeps returns deps(id) ordered by display position for deterministic
// traversal and error traces.
func (g *Graph) sortedDeps(id string) []string {
	deps := make([]string, 0, len(g.deps[id]))
	for dep := range g.deps[id] {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool {
		return g.pos[deps[i]] < g.pos[deps[j]]
	})
	return deps
}

// Deps returns the set of cells id depends on.
func (g *Graph) Deps(id string) map[string]bool {
	return g.deps[id]
}

// Defined returns the symbols defined by id.
func (g *Graph) Defined(id string) SymbolSet {
	return g.defined[id]
}

// Used returns the symbols read by id.
func (g *Graph) Used(id string) SymbolSet {
	return g.used[id]
}

// Definer returns the cell defining symbol, if any.
func (g *Graph) Definer(symbol string) (string, bool) {
	id, ok := g.definer[symbol]
	return id, ok
}

// Position returns the 0-indexed display position of id.
func (g *Graph) Position(id string) (int, bool) {
	pos, ok := g.pos[id]
	return pos, ok
}

// Cells returns all cell ids in display order.
func (g *Graph) Cells() []string {
	return append([]string{}, g.order...)
}
