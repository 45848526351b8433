// Package reactive implements the reactive engine: the owner of a
// notebook's cell collection and display order. Every edit rebuilds the
// dependency graph, re-checks its invariants, and yields a topologically
// ordered execution plan over the dirty set.
package reactive

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pulsebook/pulsebook/internal/application/dependency"
	"github.com/pulsebook/pulsebook/internal/application/kernel"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
	"github.com/pulsebook/pulsebook/pkg/models"
)

// Engine owns one notebook's cells and drives dependency analysis.
//
// The cell map and display order are only mutated under the engine lock;
// worker execution happens outside it so edits and interrupts stay
// responsive while a cell runs.
type Engine struct {
	mu    sync.Mutex
	cells map[string]*models.Cell
	order []string

	analyzer *dependency.Analyzer
	worker   *kernel.Worker
	logger   *logger.Logger
}

// NewEngine creates an engine around the given worker channel.
func NewEngine(worker *kernel.Worker, log *logger.Logger) *Engine {
	return &Engine{
		cells:    make(map[string]*models.Cell),
		analyzer: dependency.NewAnalyzer(),
		worker:   worker,
		logger:   log,
	}
}

// NewCellID generates a fresh cell identifier.
func NewCellID() string {
	return "cell-" + uuid.NewString()[:8]
}

// AddCell inserts a new cell. An empty id generates one; a position
// outside [0, len] appends.
func (e *Engine) AddCell(id, code string, position int) *models.Cell {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == "" {
		id = NewCellID()
	}

	cell := models.NewCell(id, code)
	e.cells[id] = cell

	if position >= 0 && position <= len(e.order) {
		e.order = append(e.order, "")
		copy(e.order[position+1:], e.order[position:])
		e.order[position] = id
	} else {
		e.order = append(e.order, id)
	}

	return cell.Clone()
}

// DeleteCell removes a cell from both the map and the display order.
// Returns whether it existed; deleting an unknown cell is a no-op.
func (e *Engine) DeleteCell(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.cells[id]; !ok {
		return false
	}

	delete(e.cells, id)
	for i, cid := range e.order {
		if cid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// OnCellChanged applies an edit and returns the execution plan for the
// dirty set (the edited cell plus its transitive dependents, in
// topological order).
//
// A duplicate-definition or circular-dependency error stamps the edited
// cell with status error and is returned for the caller to surface; no
// other cell is touched and nothing executes.
func (e *Engine) OnCellChanged(id, code string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cell, ok := e.cells[id]
	if !ok {
		cell = models.NewCell(id, code)
		e.cells[id] = cell
		e.order = append(e.order, id)
	} else {
		cell.Code = code
	}

	graph, err := dependency.BuildGraph(e.cellSourcesLocked(), e.analyzer)
	if err != nil {
		cell.Status = models.CellStatusError
		cell.Error = err.Error()
		e.logger.Debug("graph rebuild failed", "cell_id", id, "error", err)
		return nil, err
	}

	return graph.Plan(id), nil
}

// PlanAll re-checks the graph invariants and returns a plan covering
// every cell, for run-all.
func (e *Engine) PlanAll() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	graph, err := dependency.BuildGraph(e.cellSourcesLocked(), e.analyzer)
	if err != nil {
		return nil, err
	}
	return graph.PlanAll(), nil
}

// cellSourcesLocked snapshots (id, source) pairs in display order.
// Caller holds e.mu.
func (e *Engine) cellSourcesLocked() []dependency.CellSource {
	sources := make([]dependency.CellSource, 0, len(e.order))
	for _, id := range e.order {
		if cell, ok := e.cells[id]; ok {
			sources = append(sources, dependency.CellSource{ID: id, Source: cell.Code})
		}
	}
	return sources
}

// ExecuteCell runs a single cell on the worker and copies the result back
// onto the cell. The second return is false for unknown cells, which are
// silently ignored.
//
// The worker call happens outside the engine lock: an interrupt or a
// replacing edit must be able to proceed while the cell runs.
func (e *Engine) ExecuteCell(ctx context.Context, id string) (kernel.Result, bool) {
	e.mu.Lock()
	cell, ok := e.cells[id]
	if !ok {
		e.mu.Unlock()
		return kernel.Result{}, false
	}
	cell.Status = models.CellStatusRunning
	code := cell.Code
	e.mu.Unlock()

	result := e.worker.Execute(ctx, code)

	e.mu.Lock()
	defer e.mu.Unlock()

	// The cell may have been deleted while it was running.
	cell, ok = e.cells[id]
	if !ok {
		return result, true
	}

	if result.Interrupted() {
		cell.Status = models.CellStatusIdle
		return result, true
	}

	cell.Status = models.CellStatus(result.Status)
	cell.Output = result.Output
	cell.Error = result.Error
	cell.RichOutput = result.RichOutput
	return result, true
}

// ExecuteAll re-checks the graph, then executes every cell in plan order.
// Results are returned in execution order alongside their cell ids.
func (e *Engine) ExecuteAll(ctx context.Context) ([]CellResult, error) {
	plan, err := e.PlanAll()
	if err != nil {
		return nil, err
	}

	results := make([]CellResult, 0, len(plan))
	for _, id := range plan {
		result, ok := e.ExecuteCell(ctx, id)
		if !ok {
			continue
		}
		results = append(results, CellResult{CellID: id, Result: result})
	}
	return results, nil
}

// CellResult pairs an executed cell with its result.
type CellResult struct {
	CellID string
	Result kernel.Result
}

// Reset clears the worker namespace and returns every cell to idle with
// cleared outputs.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.worker.Reset(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cell := range e.cells {
		cell.ClearOutputs()
	}
	return nil
}

// MarkIdle returns the given cells to idle without touching their outputs.
// Used by the supervisor for the cancelled remainder of a plan.
func (e *Engine) MarkIdle(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if cell, ok := e.cells[id]; ok {
			cell.Status = models.CellStatusIdle
		}
	}
}

// HasCell reports whether the cell exists.
func (e *Engine) HasCell(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cells[id]
	return ok
}

// Cell returns a copy of the cell, if present.
func (e *Engine) Cell(id string) (*models.Cell, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cell, ok := e.cells[id]
	if !ok {
		return nil, false
	}
	return cell.Clone(), true
}

// CellsInOrder returns copies of all cells in display order.
func (e *Engine) CellsInOrder() []*models.Cell {
	e.mu.Lock()
	defer e.mu.Unlock()

	cells := make([]*models.Cell, 0, len(e.order))
	for _, id := range e.order {
		if cell, ok := e.cells[id]; ok {
			cells = append(cells, cell.Clone())
		}
	}
	return cells
}

// RestoreCell loads a persisted cell, keeping its saved outputs and
// status. Used when a notebook is read from disk.
func (e *Engine) RestoreCell(cell *models.Cell) {
	e.mu.Lock()
	defer e.mu.Unlock()

	restored := cell.Clone()
	e.cells[restored.ID] = restored
	e.order = append(e.order, restored.ID)
}

// SeedBuiltins replaces the analyzer's builtin exclusion set with the
// worker runtime's own list, so the two cannot drift apart.
func (e *Engine) SeedBuiltins(ctx context.Context) error {
	names, err := e.worker.Builtins(ctx)
	if err != nil {
		return err
	}
	e.analyzer.SetBuiltins(names)
	return nil
}

// InterruptWorker forwards a user interrupt to the worker channel.
func (e *Engine) InterruptWorker() {
	e.worker.Interrupt()
}

// Worker exposes the underlying worker channel.
func (e *Engine) Worker() *kernel.Worker {
	return e.worker
}

// Close stops the worker subprocess.
func (e *Engine) Close() {
	e.worker.Stop()
}
