package models

import "time"

// NotebookMetadata describes a notebook in the index file.
// Timestamps are stored as RFC 3339 strings so files written by other
// tooling round-trip unchanged.
type NotebookMetadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Touch updates the metadata's updated_at timestamp to now
func (m *NotebookMetadata) Touch() {
	m.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// NotebookFile is the on-disk document for a single notebook
type NotebookFile struct {
	Cells []*Cell `json:"cells"`
}

// NotebookIndex is the on-disk document listing all notebooks
type NotebookIndex struct {
	Notebooks []*NotebookMetadata `json:"notebooks"`
}
