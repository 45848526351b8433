package ws

import (
	"encoding/json"

	"github.com/pulsebook/pulsebook/pkg/models"
)

// inboundMessage is the envelope for all client-to-server messages.
// notebook_id defaults to the notebook the connection is bound to.
type inboundMessage struct {
	Type       string `json:"type"`
	NotebookID string `json:"notebook_id,omitempty"`
	CellID     string `json:"cell_id,omitempty"`
	Code       string `json:"code"`
	Position   *int   `json:"position,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Inbound message types.
const (
	msgCellUpdated    = "cell_updated"
	msgExecuteCell    = "execute_cell"
	msgAddCell        = "add_cell"
	msgDeleteCell     = "delete_cell"
	msgInterrupt      = "interrupt"
	msgListNotebooks  = "list_notebooks"
	msgCreateNotebook = "create_notebook"
	msgDeleteNotebook = "delete_notebook"
	msgRenameNotebook = "rename_notebook"
	msgOpenNotebook   = "open_notebook"
)

// notebookStateMessage is sent once on connect.
type notebookStateMessage struct {
	Type       string         `json:"type"`
	NotebookID string         `json:"notebook_id"`
	Cells      []*models.Cell `json:"cells"`
}

type cellAddedMessage struct {
	Type     string       `json:"type"`
	Cell     *models.Cell `json:"cell"`
	Position int          `json:"position"`
}

type cellDeletedMessage struct {
	Type   string `json:"type"`
	CellID string `json:"cell_id"`
}

type executionQueueMessage struct {
	Type    string   `json:"type"`
	CellIDs []string `json:"cell_ids"`
}

type executionStartedMessage struct {
	Type   string `json:"type"`
	CellID string `json:"cell_id"`
}

type executionResultMessage struct {
	Type       string          `json:"type"`
	CellID     string          `json:"cell_id"`
	Status     string          `json:"status"`
	Output     string          `json:"output"`
	RichOutput json.RawMessage `json:"rich_output,omitempty"`
	Error      string          `json:"error"`
}

type executionInterruptedMessage struct {
	Type    string `json:"type"`
	CellID  string `json:"cell_id,omitempty"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	CellID  string `json:"cell_id,omitempty"`
	Message string `json:"message"`
}

type notebookListMessage struct {
	Type      string                     `json:"type"`
	Notebooks []*models.NotebookMetadata `json:"notebooks"`
}

type notebookCreatedMessage struct {
	Type     string                   `json:"type"`
	Notebook *models.NotebookMetadata `json:"notebook"`
}

type notebookDeletedMessage struct {
	Type       string `json:"type"`
	NotebookID string `json:"notebook_id"`
}

type notebookRenamedMessage struct {
	Type     string                   `json:"type"`
	Notebook *models.NotebookMetadata `json:"notebook"`
}
