// Package ws exposes notebooks over a websocket: a connection hub, an
// observer that converts notebook events into wire messages, and the
// message-dispatching handler.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsebook/pulsebook/internal/config"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
)

// Hub manages websocket connections and broadcasting.
type Hub struct {
	cfg        config.WebSocketConfig
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	logger     *logger.Logger
	mu         sync.RWMutex
}

// Client is one connected websocket peer, bound to a notebook.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu         sync.RWMutex
	notebookID string
}

// NotebookID returns the notebook this client is bound to.
func (c *Client) NotebookID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notebookID
}

// BindNotebook rebinds the client to another notebook (open_notebook).
func (c *Client) BindNotebook(id string) {
	c.mu.Lock()
	c.notebookID = id
	c.mu.Unlock()
}

// NewHub creates a hub and starts its registration loop.
func NewHub(cfg config.WebSocketConfig, log *logger.Logger) *Hub {
	hub := &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log,
	}

	go hub.run()

	return hub
}

// run processes client registration and removal.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

			h.logger.Info("WebSocket client connected",
				"client_id", client.ID,
				"notebook_id", client.NotebookID(),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

			h.logger.Info("WebSocket client disconnected",
				"client_id", client.ID,
			)
		}
	}
}

// Register registers a new client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToNotebook queues a message for every client bound to the
// given notebook. A client whose buffer is full has the message dropped
// rather than stalling the emitter.
func (h *Hub) BroadcastToNotebook(notebookID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.NotebookID() != notebookID {
			continue
		}
		select {
		case client.send <- message:
		default:
			h.logger.Warn("WebSocket client send buffer full, dropping message",
				"client_id", client.ID,
			)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a client around an upgraded connection.
func (h *Hub) NewClient(id, notebookID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:         id,
		notebookID: notebookID,
		conn:       conn,
		send:       make(chan []byte, h.cfg.ClientBufferSize),
		hub:        h,
	}
}

// Send queues a message for this client only.
func (c *Client) Send(message []byte) {
	select {
	case c.send <- message:
	default:
		c.hub.logger.Warn("WebSocket client send buffer full, dropping message",
			"client_id", c.ID,
		)
	}
}

// WritePump writes queued messages to the connection and keeps it alive
// with pings. Runs as one goroutine per client.
func (c *Client) WritePump() {
	pingInterval := c.hub.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
