package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pulsebook/pulsebook/internal/application/notebook"
	"github.com/pulsebook/pulsebook/internal/application/observer"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
)

// Handler upgrades connections and dispatches inbound notebook messages.
type Handler struct {
	manager  *notebook.Manager
	hub      *Hub
	notifier *observer.ObserverManager
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket handler.
func NewHandler(manager *notebook.Manager, hub *Hub, notifier *observer.ObserverManager, log *logger.Logger) *Handler {
	return &Handler{
		manager:  manager,
		hub:      hub,
		notifier: notifier,
		logger:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The server is meant to sit behind the notebook UI; origin
			// enforcement belongs to the deployment proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle serves GET /ws/:notebook_id.
func (h *Handler) Handle(c *gin.Context) {
	notebookID := c.Param("notebook_id")
	if !h.manager.Exists(notebookID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notebook not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := h.hub.NewClient("ws-"+uuid.NewString()[:8], notebookID, conn)
	h.hub.Register(client)
	go client.WritePump()

	if err := h.sendNotebookState(c.Request.Context(), client, notebookID); err != nil {
		h.logger.Error("Failed to send notebook state", "error", err, "notebook_id", notebookID)
	}

	h.readLoop(client, conn)
}

// readLoop decodes inbound messages until the connection dies.
func (h *Handler) readLoop(client *Client, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(h.hub.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.hub.cfg.PongTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error", "client_id", client.ID, "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("Malformed WebSocket message", "client_id", client.ID, "error", err)
			continue
		}

		h.dispatch(context.Background(), client, msg)
	}
}

// dispatch routes one inbound message.
func (h *Handler) dispatch(ctx context.Context, client *Client, msg inboundMessage) {
	notebookID := msg.NotebookID
	if notebookID == "" {
		notebookID = client.NotebookID()
	}

	switch msg.Type {
	case msgCellUpdated:
		h.handleCellUpdated(ctx, notebookID, msg.CellID, msg.Code)
	case msgExecuteCell:
		h.handleExecuteCell(ctx, notebookID, msg.CellID)
	case msgAddCell:
		h.handleAddCell(ctx, notebookID, msg.Position)
	case msgDeleteCell:
		h.handleDeleteCell(ctx, notebookID, msg.CellID)
	case msgInterrupt:
		h.handleInterrupt(ctx, notebookID)
	case msgListNotebooks:
		h.handleListNotebooks(client)
	case msgCreateNotebook:
		h.handleCreateNotebook(client, msg.Name)
	case msgDeleteNotebook:
		h.handleDeleteNotebook(ctx, client, msg.NotebookID)
	case msgRenameNotebook:
		h.handleRenameNotebook(client, msg.NotebookID, msg.Name)
	case msgOpenNotebook:
		h.handleOpenNotebook(ctx, client, msg.NotebookID)
	default:
		h.logger.Warn("Unknown WebSocket message type", "type", msg.Type, "client_id", client.ID)
	}
}

// handleCellUpdated applies the edit and starts the reactive plan,
// cancelling any in-flight plan first (cancel-and-replace, silent).
func (h *Handler) handleCellUpdated(ctx context.Context, notebookID, cellID, code string) {
	session, err := h.manager.Get(ctx, notebookID)
	if err != nil {
		h.logger.Warn("Cell update for unknown notebook", "notebook_id", notebookID)
		return
	}

	if session.Supervisor.Running() {
		session.Supervisor.Cancel(ctx, true)
	}

	plan, err := session.Engine.OnCellChanged(cellID, code)
	if err != nil {
		// Duplicate definition or circular dependency: nothing executes,
		// only the edited cell is stamped.
		h.notifier.Notify(ctx, observer.Event{
			Type:       observer.EventTypeError,
			NotebookID: notebookID,
			CellID:     cellID,
			Message:    err.Error(),
			Timestamp:  time.Now(),
		})
		h.save(notebookID)
		return
	}

	if len(plan) == 0 {
		h.save(notebookID)
		return
	}

	if err := session.Supervisor.Start(plan); err != nil {
		h.logger.Error("Failed to start plan", "notebook_id", notebookID, "error", err)
	}
}

// handleExecuteCell re-runs a cell with its current code, which plans the
// cell plus its dependents exactly like an edit.
func (h *Handler) handleExecuteCell(ctx context.Context, notebookID, cellID string) {
	session, err := h.manager.Get(ctx, notebookID)
	if err != nil {
		return
	}

	cell, ok := session.Engine.Cell(cellID)
	if !ok {
		// Unknown cell: silently ignored.
		return
	}

	h.handleCellUpdated(ctx, notebookID, cellID, cell.Code)
}

func (h *Handler) handleAddCell(ctx context.Context, notebookID string, position *int) {
	session, err := h.manager.Get(ctx, notebookID)
	if err != nil {
		return
	}

	pos := -1
	if position != nil {
		pos = *position
	}
	cell := session.Engine.AddCell("", "", pos)

	// Out-of-range positions are appended by the engine; report where the
	// cell actually landed.
	insertedAt := pos
	if count := len(session.Engine.CellsInOrder()); insertedAt < 0 || insertedAt >= count {
		insertedAt = count - 1
	}

	h.notifier.Notify(ctx, observer.Event{
		Type:       observer.EventTypeCellAdded,
		NotebookID: notebookID,
		Cell:       cell,
		Position:   insertedAt,
		Timestamp:  time.Now(),
	})
	h.save(notebookID)
}

func (h *Handler) handleDeleteCell(ctx context.Context, notebookID, cellID string) {
	session, err := h.manager.Get(ctx, notebookID)
	if err != nil {
		return
	}

	// Deleting the cell that is executing right now cancels the plan
	// first; cells later in the plan are skipped in-flight.
	if session.Supervisor.Running() && session.Supervisor.CurrentCell() == cellID {
		session.Supervisor.Cancel(ctx, true)
	}

	if !session.Engine.DeleteCell(cellID) {
		// Unknown cell: silently ignored.
		return
	}

	h.notifier.Notify(ctx, observer.Event{
		Type:       observer.EventTypeCellDeleted,
		NotebookID: notebookID,
		CellID:     cellID,
		Timestamp:  time.Now(),
	})
	h.save(notebookID)
}

func (h *Handler) handleInterrupt(ctx context.Context, notebookID string) {
	session, err := h.manager.Get(ctx, notebookID)
	if err != nil {
		return
	}

	session.Supervisor.Cancel(ctx, false)
	h.save(notebookID)
}

func (h *Handler) handleListNotebooks(client *Client) {
	client.Send(mustMarshal(notebookListMessage{
		Type:      "notebook_list",
		Notebooks: h.manager.List(),
	}))
}

func (h *Handler) handleCreateNotebook(client *Client, name string) {
	if name == "" {
		name = "Untitled Notebook"
	}

	meta, err := h.manager.Create(name)
	if err != nil {
		h.logger.Error("Failed to create notebook", "error", err)
		client.Send(mustMarshal(errorMessage{Type: "error", Message: "failed to create notebook"}))
		return
	}

	client.Send(mustMarshal(notebookCreatedMessage{
		Type:     "notebook_created",
		Notebook: meta,
	}))
}

func (h *Handler) handleDeleteNotebook(ctx context.Context, client *Client, notebookID string) {
	if notebookID == "" {
		return
	}

	existed, err := h.manager.Delete(ctx, notebookID)
	if err != nil {
		h.logger.Error("Failed to delete notebook", "notebook_id", notebookID, "error", err)
		return
	}
	if !existed {
		return
	}

	message := mustMarshal(notebookDeletedMessage{
		Type:       "notebook_deleted",
		NotebookID: notebookID,
	})
	h.hub.BroadcastToNotebook(notebookID, message)
	client.Send(message)
}

func (h *Handler) handleRenameNotebook(client *Client, notebookID, name string) {
	if notebookID == "" || name == "" {
		return
	}

	existed, err := h.manager.Rename(notebookID, name)
	if err != nil || !existed {
		return
	}

	meta, _ := h.manager.Metadata(notebookID)
	client.Send(mustMarshal(notebookRenamedMessage{
		Type:     "notebook_renamed",
		Notebook: meta,
	}))
}

// handleOpenNotebook rebinds the connection to another notebook and sends
// its state.
func (h *Handler) handleOpenNotebook(ctx context.Context, client *Client, notebookID string) {
	if notebookID == "" || !h.manager.Exists(notebookID) {
		client.Send(mustMarshal(errorMessage{Type: "error", Message: "notebook not found"}))
		return
	}

	client.BindNotebook(notebookID)
	if err := h.sendNotebookState(ctx, client, notebookID); err != nil {
		h.logger.Error("Failed to send notebook state", "error", err, "notebook_id", notebookID)
	}
}

// sendNotebookState sends the full cell list to one client.
func (h *Handler) sendNotebookState(ctx context.Context, client *Client, notebookID string) error {
	session, err := h.manager.Get(ctx, notebookID)
	if err != nil {
		return err
	}

	client.Send(mustMarshal(notebookStateMessage{
		Type:       "notebook_state",
		NotebookID: notebookID,
		Cells:      session.Engine.CellsInOrder(),
	}))
	return nil
}

func (h *Handler) save(notebookID string) {
	if err := h.manager.Save(notebookID); err != nil {
		h.logger.Error("Failed to save notebook", "notebook_id", notebookID, "error", err)
	}
}

// mustMarshal encodes a message that cannot fail to marshal.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
