// Package notebook manages the collection of notebooks: metadata,
// lazy-loaded engines with their workers and supervisors, and persistence
// after every mutation.
package notebook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsebook/pulsebook/internal/application/kernel"
	"github.com/pulsebook/pulsebook/internal/application/observer"
	"github.com/pulsebook/pulsebook/internal/application/reactive"
	"github.com/pulsebook/pulsebook/internal/application/supervisor"
	"github.com/pulsebook/pulsebook/internal/config"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
	"github.com/pulsebook/pulsebook/internal/infrastructure/storage"
	"github.com/pulsebook/pulsebook/pkg/models"
)

// Session is one open notebook: its engine (cells + worker) and the
// supervisor that drives plans against it.
type Session struct {
	ID         string
	Engine     *reactive.Engine
	Supervisor *supervisor.Supervisor
}

// Manager owns all notebooks. Engines are instantiated lazily: no worker
// subprocess exists until a notebook is first opened, and deleting a
// notebook tears its worker down.
type Manager struct {
	cfg      *config.Config
	store    *storage.NotebookStore
	notifier *observer.ObserverManager
	logger   *logger.Logger

	// engineFactory builds the engine (and its worker) for a notebook.
	// Tests substitute one backed by an in-memory worker.
	engineFactory func(id string) *reactive.Engine

	mu       sync.Mutex
	meta     map[string]*models.NotebookMetadata
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithEngineFactory replaces how notebook engines are built.
func WithEngineFactory(factory func(id string) *reactive.Engine) Option {
	return func(m *Manager) {
		m.engineFactory = factory
	}
}

// NewManager loads the notebook index and prepares the manager.
func NewManager(cfg *config.Config, store *storage.NotebookStore, notifier *observer.ObserverManager, log *logger.Logger, opts ...Option) (*Manager, error) {
	index, err := store.LoadIndex()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		logger:   log,
		meta:     make(map[string]*models.NotebookMetadata),
		sessions: make(map[string]*Session),
	}
	m.engineFactory = func(id string) *reactive.Engine {
		worker := kernel.NewWorker(cfg.Kernel, log.With("notebook_id", id))
		return reactive.NewEngine(worker, log)
	}

	for _, opt := range opts {
		opt(m)
	}

	if migrated, err := store.MigrateLegacyDefault(index); err != nil {
		log.Warn("Legacy notebook migration failed", "error", err)
	} else if migrated != nil {
		log.Info("Legacy notebook migrated", "notebook_id", migrated.ID, "name", migrated.Name)
	}

	for _, meta := range index.Notebooks {
		m.meta[meta.ID] = meta
	}

	return m, nil
}

// Dir returns the directory notebooks are stored in.
func (m *Manager) Dir() string {
	return m.store.Dir()
}

// List returns all notebook metadata, most recently updated first.
func (m *Manager) List() []*models.NotebookMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]*models.NotebookMetadata, 0, len(m.meta))
	for _, meta := range m.meta {
		copied := *meta
		list = append(list, &copied)
	}
	sortByUpdatedAt(list)
	return list
}

// Create creates a new empty notebook and persists it.
func (m *Manager) Create(name string) (*models.NotebookMetadata, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	meta := &models.NotebookMetadata{
		ID:        storage.NewNotebookID(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.SaveCells(meta.ID, nil); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.meta[meta.ID] = meta
	m.mu.Unlock()

	if err := m.saveIndex(); err != nil {
		return nil, err
	}

	m.logger.Info("Notebook created", "notebook_id", meta.ID, "name", name)
	copied := *meta
	return &copied, nil
}

// Delete removes a notebook, tearing down its worker if it was open.
// Returns whether the notebook existed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	_, ok := m.meta[id]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	session := m.sessions[id]
	delete(m.sessions, id)
	delete(m.meta, id)
	m.mu.Unlock()

	if session != nil {
		session.Supervisor.Cancel(ctx, true)
		session.Engine.Close()
	}

	if err := m.store.DeleteNotebook(id); err != nil {
		return true, err
	}
	if err := m.saveIndex(); err != nil {
		return true, err
	}

	m.logger.Info("Notebook deleted", "notebook_id", id)
	return true, nil
}

// Rename updates a notebook's display name. Returns whether it existed.
func (m *Manager) Rename(id, name string) (bool, error) {
	m.mu.Lock()
	meta, ok := m.meta[id]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	meta.Name = name
	meta.Touch()
	m.mu.Unlock()

	return true, m.saveIndex()
}

// Exists reports whether a notebook is known.
func (m *Manager) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.meta[id]
	return ok
}

// Metadata returns a notebook's metadata, if known.
func (m *Manager) Metadata(id string) (*models.NotebookMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[id]
	if !ok {
		return nil, false
	}
	copied := *meta
	return &copied, true
}

// Get returns the session for a notebook, starting its engine and worker
// on first access.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.meta[id]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if session, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	// Opening spawns a worker subprocess, so it happens outside the
	// manager lock.
	session, err := m.open(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		// Lost a race with a concurrent open; keep the first session.
		go session.Engine.Close()
		return existing, nil
	}
	if _, ok := m.meta[id]; !ok {
		// Deleted while opening.
		go session.Engine.Close()
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	m.sessions[id] = session
	return session, nil
}

// open builds a fresh session: worker, engine with restored cells,
// supervisor persisting after every plan.
func (m *Manager) open(ctx context.Context, id string) (*Session, error) {
	engine := m.engineFactory(id)

	cells, err := m.store.LoadCells(id)
	if err != nil {
		return nil, err
	}
	for _, cell := range cells {
		engine.RestoreCell(cell)
	}

	sup := supervisor.New(id, engine, m.notifier, m.logger,
		supervisor.WithAfterRun(func() {
			if err := m.Save(id); err != nil {
				m.logger.Error("Failed to persist notebook after run", "notebook_id", id, "error", err)
			}
		}),
	)

	// Align the analyzer's builtin set with the actual worker runtime.
	// Analysis still works off the vendored snapshot if the worker is
	// slow to come up.
	if err := engine.SeedBuiltins(ctx); err != nil {
		m.logger.Warn("Failed to seed builtins from worker", "notebook_id", id, "error", err)
	}

	m.logger.Info("Notebook opened", "notebook_id", id, "cells", len(cells))

	return &Session{ID: id, Engine: engine, Supervisor: sup}, nil
}

// Save persists a notebook's cells and touches its metadata.
func (m *Manager) Save(id string) error {
	m.mu.Lock()
	meta, ok := m.meta[id]
	session := m.sessions[id]
	if ok {
		meta.Touch()
	}
	m.mu.Unlock()

	if !ok || session == nil {
		return nil
	}

	if err := m.store.SaveCells(id, session.Engine.CellsInOrder()); err != nil {
		return err
	}
	return m.saveIndex()
}

// saveIndex snapshots metadata and writes the index file.
func (m *Manager) saveIndex() error {
	m.mu.Lock()
	index := &models.NotebookIndex{}
	for _, meta := range m.meta {
		copied := *meta
		index.Notebooks = append(index.Notebooks, &copied)
	}
	m.mu.Unlock()

	return m.store.SaveIndex(index)
}

// Close cancels all running plans and stops every worker, in parallel.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			session.Supervisor.Cancel(ctx, true)
			session.Engine.Close()
			return nil
		})
	}
	return g.Wait()
}

func sortByUpdatedAt(list []*models.NotebookMetadata) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].UpdatedAt > list[j-1].UpdatedAt; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}
