package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsebook/pulsebook/internal/application/notebook"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
)

// NotebookHandler serves notebook management endpoints.
type NotebookHandler struct {
	manager *notebook.Manager
	logger  *logger.Logger
}

// NewNotebookHandler creates the handler.
func NewNotebookHandler(manager *notebook.Manager, log *logger.Logger) *NotebookHandler {
	return &NotebookHandler{manager: manager, logger: log}
}

// RegisterRoutes mounts the notebook routes on the given group.
func (h *NotebookHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/notebooks", h.ListNotebooks)
	group.POST("/notebooks", h.CreateNotebook)
	group.GET("/notebooks/:id", h.GetNotebook)
	group.PATCH("/notebooks/:id", h.RenameNotebook)
	group.DELETE("/notebooks/:id", h.DeleteNotebook)
	group.POST("/notebooks/:id/reset", h.ResetKernel)
	group.POST("/notebooks/:id/run", h.RunAll)
}

// ListNotebooks returns all notebooks, most recently updated first.
func (h *NotebookHandler) ListNotebooks(c *gin.Context) {
	respondJSON(c, http.StatusOK, h.manager.List())
}

type createNotebookRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateNotebook creates an empty notebook.
func (h *NotebookHandler) CreateNotebook(c *gin.Context) {
	var req createNotebookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "name is required")
		return
	}

	meta, err := h.manager.Create(req.Name)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, meta)
}

// GetNotebook returns a notebook's metadata and cells.
func (h *NotebookHandler) GetNotebook(c *gin.Context) {
	id := c.Param("id")

	meta, ok := h.manager.Metadata(id)
	if !ok {
		respondError(c, http.StatusNotFound, "notebook not found")
		return
	}

	session, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		respondStorageError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"notebook": meta,
		"cells":    session.Engine.CellsInOrder(),
	})
}

type renameNotebookRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameNotebook updates a notebook's display name.
func (h *NotebookHandler) RenameNotebook(c *gin.Context) {
	id := c.Param("id")

	var req renameNotebookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "name is required")
		return
	}

	existed, err := h.manager.Rename(id, req.Name)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if !existed {
		respondError(c, http.StatusNotFound, "notebook not found")
		return
	}

	meta, _ := h.manager.Metadata(id)
	respondJSON(c, http.StatusOK, meta)
}

// DeleteNotebook removes a notebook and tears down its worker.
func (h *NotebookHandler) DeleteNotebook(c *gin.Context) {
	id := c.Param("id")

	existed, err := h.manager.Delete(c.Request.Context(), id)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if !existed {
		respondError(c, http.StatusNotFound, "notebook not found")
		return
	}

	c.Status(http.StatusNoContent)
}

// ResetKernel clears the worker namespace and returns every cell to idle.
func (h *NotebookHandler) ResetKernel(c *gin.Context) {
	id := c.Param("id")

	session, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		respondStorageError(c, err)
		return
	}

	// A running plan would race the reset; replace it first.
	if session.Supervisor.Running() {
		session.Supervisor.Cancel(c.Request.Context(), true)
	}

	if err := session.Engine.Reset(c.Request.Context()); err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.manager.Save(id); err != nil {
		h.logger.Error("Failed to save notebook after reset", "notebook_id", id, "error", err)
	}

	c.Status(http.StatusNoContent)
}

// RunAll re-checks the graph and schedules every cell in topological
// order, replacing any in-flight plan.
func (h *NotebookHandler) RunAll(c *gin.Context) {
	id := c.Param("id")

	session, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		respondStorageError(c, err)
		return
	}

	if session.Supervisor.Running() {
		session.Supervisor.Cancel(c.Request.Context(), true)
	}

	plan, err := session.Engine.PlanAll()
	if err != nil {
		// Duplicate definition or cycle: nothing executes.
		respondError(c, http.StatusConflict, err.Error())
		return
	}

	if err := session.Supervisor.Start(plan); err != nil {
		respondError(c, http.StatusConflict, err.Error())
		return
	}

	respondJSON(c, http.StatusAccepted, gin.H{"queued": plan})
}
