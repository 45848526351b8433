// Package storage persists notebooks as JSON documents: one file per
// notebook plus an index file with metadata. Writes go through a temp
// file and rename so a crash never leaves a half-written notebook.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
	"github.com/pulsebook/pulsebook/pkg/models"
)

const (
	indexFile         = "index.json"
	legacyDefaultFile = "default.json"
)

// ErrNotFound is returned for unknown notebook ids.
var ErrNotFound = errors.New("notebook not found")

// NotebookStore reads and writes notebook files under one directory.
type NotebookStore struct {
	dir    string
	logger *logger.Logger
}

// NewNotebookStore creates the store, creating the directory if needed.
func NewNotebookStore(dir string, log *logger.Logger) (*NotebookStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notebooks directory: %w", err)
	}
	return &NotebookStore{dir: dir, logger: log}, nil
}

// Dir returns the store's directory.
func (s *NotebookStore) Dir() string {
	return s.dir
}

// NewNotebookID generates a fresh notebook identifier.
func NewNotebookID() string {
	return "nb-" + uuid.NewString()[:8]
}

func (s *NotebookStore) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func (s *NotebookStore) notebookPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// LoadIndex reads the notebook index. A missing index yields an empty one.
func (s *NotebookStore) LoadIndex() (*models.NotebookIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &models.NotebookIndex{}, nil
		}
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var index models.NotebookIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	return &index, nil
}

// SaveIndex writes the notebook index, most recently updated first.
func (s *NotebookStore) SaveIndex(index *models.NotebookIndex) error {
	sorted := append([]*models.NotebookMetadata{}, index.Notebooks...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt > sorted[j].UpdatedAt
	})

	return s.writeJSON(s.indexPath(), &models.NotebookIndex{Notebooks: sorted})
}

// LoadCells reads a notebook's cells. A missing file yields no cells.
func (s *NotebookStore) LoadCells(id string) ([]*models.Cell, error) {
	data, err := os.ReadFile(s.notebookPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read notebook %s: %w", id, err)
	}

	var file models.NotebookFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse notebook %s: %w", id, err)
	}
	return file.Cells, nil
}

// SaveCells writes a notebook's cells.
func (s *NotebookStore) SaveCells(id string, cells []*models.Cell) error {
	if cells == nil {
		cells = []*models.Cell{}
	}
	return s.writeJSON(s.notebookPath(id), &models.NotebookFile{Cells: cells})
}

// DeleteNotebook removes a notebook's file. Deleting a notebook that has
// no file is not an error.
func (s *NotebookStore) DeleteNotebook(id string) error {
	err := os.Remove(s.notebookPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete notebook %s: %w", id, err)
	}
	return nil
}

// MigrateLegacyDefault migrates a pre-multi-notebook default.json into a
// notebook named "Default Notebook". Runs only when the legacy file
// exists and the index is still empty; the original is kept with a
// .backup suffix. Returns the new notebook's metadata, or nil when
// nothing was migrated.
func (s *NotebookStore) MigrateLegacyDefault(index *models.NotebookIndex) (*models.NotebookMetadata, error) {
	legacyPath := filepath.Join(s.dir, legacyDefaultFile)

	if len(index.Notebooks) > 0 {
		return nil, nil
	}
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read legacy notebook: %w", err)
	}

	var file models.NotebookFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse legacy notebook: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	meta := &models.NotebookMetadata{
		ID:        NewNotebookID(),
		Name:      "Default Notebook",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.SaveCells(meta.ID, file.Cells); err != nil {
		return nil, err
	}

	index.Notebooks = append(index.Notebooks, meta)
	if err := s.SaveIndex(index); err != nil {
		return nil, err
	}

	if err := os.Rename(legacyPath, legacyPath+".backup"); err != nil {
		return nil, fmt.Errorf("failed to back up legacy notebook: %w", err)
	}

	s.logger.Info("Migrated legacy default notebook", "notebook_id", meta.ID)
	return meta, nil
}

// writeJSON writes v atomically via a temp file in the same directory.
func (s *NotebookStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
