package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsebook/pulsebook/internal/application/kernel"
	"github.com/pulsebook/pulsebook/internal/application/notebook"
	"github.com/pulsebook/pulsebook/internal/application/observer"
	"github.com/pulsebook/pulsebook/internal/application/reactive"
	"github.com/pulsebook/pulsebook/internal/config"
	"github.com/pulsebook/pulsebook/internal/infrastructure/api/ws"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
	"github.com/pulsebook/pulsebook/internal/infrastructure/storage"
	"github.com/pulsebook/pulsebook/testutil"
)

type testServer struct {
	manager *notebook.Manager
	server  *httptest.Server
}

func testLogger() *logger.Logger {
	return logger.New(config.LoggingConfig{Level: "error", Format: "text"})
}

// echoExecHandler answers execute with success, echoing the source.
func echoExecHandler(req testutil.Request) map[string]any {
	if req.Command() == "execute" {
		return map[string]any{"status": "success", "output": req.Source(), "error": ""}
	}
	return map[string]any{"status": "ok"}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Notebooks: config.NotebooksConfig{Dir: t.TempDir()},
		Kernel: config.KernelConfig{
			PythonPath:     "python3",
			ExecTimeout:    500 * time.Millisecond,
			TerminateGrace: 20 * time.Millisecond,
			StartTimeout:   time.Second,
		},
		WebSocket: config.WebSocketConfig{
			ClientBufferSize: 64,
			WriteTimeout:     time.Second,
			PongTimeout:      10 * time.Second,
		},
	}

	log := testLogger()
	store, err := storage.NewNotebookStore(cfg.Notebooks.Dir, log)
	require.NoError(t, err)

	hub := ws.NewHub(cfg.WebSocket, log)
	notifier := observer.NewObserverManager(observer.WithLogger(log))
	require.NoError(t, notifier.Register(ws.NewObserver(hub, ws.WithObserverLogger(log))))

	manager, err := notebook.NewManager(cfg, store, notifier, log,
		notebook.WithEngineFactory(func(id string) *reactive.Engine {
			factory := testutil.NewFakeWorkerFactory(testutil.WithHandler(echoExecHandler))
			worker := kernel.NewWorker(cfg.Kernel, log, kernel.WithSpawnFunc(factory.Spawn))
			return reactive.NewEngine(worker, log)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := ws.NewHandler(manager, hub, notifier, log)
	router.GET("/ws/:notebook_id", handler.Handle)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{manager: manager, server: server}
}

func (ts *testServer) dial(t *testing.T, notebookID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws/" + notebookID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message arrived", msgType)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWebSocket_NotebookStateOnConnect(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Test")
	require.NoError(t, err)

	conn := ts.dial(t, meta.ID)
	state := readMessage(t, conn)
	assert.Equal(t, "notebook_state", state["type"])
	assert.Equal(t, meta.ID, state["notebook_id"])
	assert.Equal(t, []any{}, state["cells"])
}

func TestWebSocket_UnknownNotebookRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws/nb-missing1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_EditRunsReactivePlan(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Reactive")
	require.NoError(t, err)

	session, err := ts.manager.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	session.Engine.AddCell("a", "x = 10", -1)
	session.Engine.AddCell("b", "y = x + 1", -1)

	conn := ts.dial(t, meta.ID)
	readMessage(t, conn) // notebook_state

	send(t, conn, map[string]any{"type": "cell_updated", "cell_id": "a", "code": "x = 10"})

	queue := readUntil(t, conn, "execution_queue")
	assert.Equal(t, []any{"a", "b"}, queue["cell_ids"])

	started := readUntil(t, conn, "execution_started")
	assert.Equal(t, "a", started["cell_id"])

	result := readUntil(t, conn, "execution_result")
	assert.Equal(t, "a", result["cell_id"])
	assert.Equal(t, "success", result["status"])

	started = readUntil(t, conn, "execution_started")
	assert.Equal(t, "b", started["cell_id"])
	result = readUntil(t, conn, "execution_result")
	assert.Equal(t, "b", result["cell_id"])
}

func TestWebSocket_DuplicateDefinitionBroadcastsError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Duplicates")
	require.NoError(t, err)

	session, err := ts.manager.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	session.Engine.AddCell("a", "x = 10", -1)
	session.Engine.AddCell("b", "", -1)

	conn := ts.dial(t, meta.ID)
	readMessage(t, conn)

	send(t, conn, map[string]any{"type": "cell_updated", "cell_id": "b", "code": "x = 20"})

	errMsg := readUntil(t, conn, "error")
	assert.Equal(t, "b", errMsg["cell_id"])
	assert.Contains(t, errMsg["message"], "Variable 'x' is defined in multiple cells: cell 1, cell 2")
}

func TestWebSocket_CircularDependencyBroadcastsError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Cycle")
	require.NoError(t, err)

	session, err := ts.manager.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	session.Engine.AddCell("a", "a = b", -1)
	session.Engine.AddCell("b", "", -1)

	conn := ts.dial(t, meta.ID)
	readMessage(t, conn)

	send(t, conn, map[string]any{"type": "cell_updated", "cell_id": "b", "code": "b = a"})

	errMsg := readUntil(t, conn, "error")
	message, _ := errMsg["message"].(string)
	assert.Contains(t, message, "Circular dependency")
	assert.Contains(t, message, "cell 1")
	assert.Contains(t, message, "cell 2")
}

func TestWebSocket_AddAndDeleteCell(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Cells")
	require.NoError(t, err)

	conn := ts.dial(t, meta.ID)
	readMessage(t, conn)

	send(t, conn, map[string]any{"type": "add_cell", "position": 0})
	added := readUntil(t, conn, "cell_added")
	cell, ok := added["cell"].(map[string]any)
	require.True(t, ok)
	cellID, _ := cell["id"].(string)
	assert.Contains(t, cellID, "cell-")
	assert.Equal(t, float64(0), added["position"])

	send(t, conn, map[string]any{"type": "delete_cell", "cell_id": cellID})
	deleted := readUntil(t, conn, "cell_deleted")
	assert.Equal(t, cellID, deleted["cell_id"])
}

func TestWebSocket_DeleteUnknownCellIgnored(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Quiet")
	require.NoError(t, err)

	conn := ts.dial(t, meta.ID)
	readMessage(t, conn)

	send(t, conn, map[string]any{"type": "delete_cell", "cell_id": "ghost"})

	// Add a cell afterwards: its broadcast proves no error message was
	// emitted for the unknown delete.
	send(t, conn, map[string]any{"type": "add_cell", "position": 0})
	next := readMessage(t, conn)
	assert.Equal(t, "cell_added", next["type"])
}

func TestWebSocket_NotebookManagement(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Main")
	require.NoError(t, err)

	conn := ts.dial(t, meta.ID)
	readMessage(t, conn)

	send(t, conn, map[string]any{"type": "create_notebook", "name": "Second"})
	created := readUntil(t, conn, "notebook_created")
	nb, ok := created["notebook"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Second", nb["name"])

	send(t, conn, map[string]any{"type": "list_notebooks"})
	list := readUntil(t, conn, "notebook_list")
	notebooks, ok := list["notebooks"].([]any)
	require.True(t, ok)
	assert.Len(t, notebooks, 2)

	secondID, _ := nb["id"].(string)
	send(t, conn, map[string]any{"type": "rename_notebook", "notebook_id": secondID, "name": "Renamed"})
	renamed := readUntil(t, conn, "notebook_renamed")
	renamedNb, _ := renamed["notebook"].(map[string]any)
	assert.Equal(t, "Renamed", renamedNb["name"])

	send(t, conn, map[string]any{"type": "delete_notebook", "notebook_id": secondID})
	deleted := readUntil(t, conn, "notebook_deleted")
	assert.Equal(t, secondID, deleted["notebook_id"])
	assert.False(t, ts.manager.Exists(secondID))
}

func TestWebSocket_ExecuteCellReplansFromCurrentCode(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	meta, err := ts.manager.Create("Manual")
	require.NoError(t, err)

	session, err := ts.manager.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	session.Engine.AddCell("a", "x = 1", -1)

	conn := ts.dial(t, meta.ID)
	readMessage(t, conn)

	send(t, conn, map[string]any{"type": "execute_cell", "cell_id": "a"})

	queue := readUntil(t, conn, "execution_queue")
	assert.Equal(t, []any{"a"}, queue["cell_ids"])
	result := readUntil(t, conn, "execution_result")
	assert.Equal(t, "success", result["status"])
}
