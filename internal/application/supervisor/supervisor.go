// Package supervisor drives execution plans against a notebook's engine in
// the background, with cancel-and-replace semantics and lifecycle events
// for connected clients.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsebook/pulsebook/internal/application/kernel"
	"github.com/pulsebook/pulsebook/internal/application/observer"
	"github.com/pulsebook/pulsebook/internal/application/reactive"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
	"github.com/pulsebook/pulsebook/pkg/models"
)

// ErrPlanActive is returned by Start while a previous plan is still
// running. Callers replace a plan by cancelling first.
var ErrPlanActive = errors.New("a plan is already running for this notebook")

// Supervisor runs at most one execution plan per notebook at a time.
//
// Lifecycle: IDLE -> Start -> RUNNING -> plan exhausted / error / cancel
// -> IDLE. Cancellation is cooperative between cells (a flag checked
// before each one) and forceful within a cell (the worker process is
// killed via the engine's interrupt, which also unblocks the in-flight
// execute).
type Supervisor struct {
	notebookID string
	engine     *reactive.Engine
	notifier   *observer.ObserverManager
	logger     *logger.Logger

	// afterRun is invoked once per plan after it terminates for any
	// reason. The notebook manager uses it to persist cell state.
	afterRun func()

	mu          sync.Mutex
	running     bool
	done        chan struct{}
	cancelled   atomic.Bool
	currentCell atomic.Value // string: id of the cell executing right now
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAfterRun sets a hook invoked after every plan terminates.
func WithAfterRun(fn func()) Option {
	return func(s *Supervisor) {
		s.afterRun = fn
	}
}

// New creates a supervisor for one notebook.
func New(notebookID string, engine *reactive.Engine, notifier *observer.ObserverManager, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		notebookID: notebookID,
		engine:     engine,
		notifier:   notifier,
		logger:     log,
	}
	s.currentCell.Store("")

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Running reports whether a plan is currently active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CurrentCell returns the id of the cell executing right now, or "".
func (s *Supervisor) CurrentCell() string {
	id, _ := s.currentCell.Load().(string)
	return id
}

// Start launches the plan in the background. An empty plan is a no-op
// that emits nothing.
func (s *Supervisor) Start(plan []string) error {
	if len(plan) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrPlanActive
	}
	s.running = true
	s.cancelled.Store(false)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(plan, done)
	return nil
}

// run executes the plan cell by cell, emitting lifecycle events.
func (s *Supervisor) run(plan []string, done chan struct{}) {
	ctx := context.Background()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)

		if s.afterRun != nil {
			s.afterRun()
		}
	}()

	s.notify(ctx, observer.Event{
		Type:    observer.EventTypeExecutionQueue,
		CellIDs: append([]string{}, plan...),
	})

	for i, cellID := range plan {
		if s.cancelled.Load() {
			s.engine.MarkIdle(plan[i:])
			return
		}

		// The cell may have been deleted while the plan was in flight.
		if !s.engine.HasCell(cellID) {
			continue
		}

		s.notify(ctx, observer.Event{
			Type:   observer.EventTypeExecutionStarted,
			CellID: cellID,
		})

		s.currentCell.Store(cellID)
		result, ok := s.engine.ExecuteCell(ctx, cellID)
		s.currentCell.Store("")

		if !ok {
			continue
		}

		// Interrupted mid-cell: the cancel path owns the interrupted
		// event (a silent cancel emits nothing); just tidy up and stop.
		if s.cancelled.Load() || result.Interrupted() {
			if i+1 < len(plan) {
				s.engine.MarkIdle(plan[i+1:])
			}
			return
		}

		s.notify(ctx, observer.Event{
			Type:       observer.EventTypeExecutionResult,
			CellID:     cellID,
			Status:     models.CellStatus(result.Status),
			Output:     result.Output,
			Error:      result.Error,
			RichOutput: result.RichOutput,
		})

		// A failing cell stops the plan; downstream cells keep their
		// previous state.
		if result.Status == kernel.StatusError {
			if s.logger != nil {
				s.logger.Debug("plan stopped at failing cell",
					"notebook_id", s.notebookID,
					"cell_id", cellID,
				)
			}
			return
		}
	}
}

// Cancel aborts the active plan, if any: it flags the run loop, kills the
// worker to unblock the in-flight cell, and waits for the driver to exit.
//
// A silent cancel (used when a new edit immediately replaces the plan)
// emits no event; an explicit user interrupt emits
// execution_interrupted with the cell that was running, if any.
func (s *Supervisor) Cancel(ctx context.Context, silent bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	done := s.done
	s.mu.Unlock()

	s.cancelled.Store(true)
	interrupted, _ := s.currentCell.Load().(string)

	s.engine.InterruptWorker()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if !silent {
		s.notify(ctx, observer.Event{
			Type:    observer.EventTypeExecutionInterrupted,
			CellID:  interrupted,
			Message: "Execution interrupted",
		})
	}
}

// notify stamps and forwards an event; a panicking notifier must never
// take down the driver.
func (s *Supervisor) notify(ctx context.Context, event observer.Event) {
	if s.notifier == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("Notifier panicked", "panic", r)
		}
	}()

	event.NotebookID = s.notebookID
	event.Timestamp = time.Now()
	s.notifier.Notify(ctx, event)
}
