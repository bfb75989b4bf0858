// Package wsstream streams ProfileUpdated events to connected WebSocket
// clients. It implements events.Sink, so the outbound Event Boundary's bus
// can register it alongside any other downstream publisher without knowing
// it is a live streaming connection rather than, say, a message-broker
// producer.
package wsstream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsehub/profile-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub manages WebSocket connections and broadcasts ProfileUpdated events
// fanned out to it by events.Bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	broadcast  chan events.ProfileUpdated
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	logger *slog.Logger
}

// NewHub creates a Hub. Call Start to begin its broadcast loop and
// register it with an events.Bus via Register/Publish (it satisfies
// events.Sink).
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan events.ProfileUpdated, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// ID implements events.Sink.
func (h *Hub) ID() string { return "wsstream-hub" }

// Publish implements events.Sink: it queues the event for broadcast to
// every connected client, dropping it if the broadcast channel is full
// rather than blocking the bus's delivery worker.
func (h *Hub) Publish(ctx context.Context, event events.ProfileUpdated) error {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("wsstream: broadcast channel full, dropping event", "user_id", event.UserID)
	}
	return nil
}

// Start runs the hub's register/unregister/broadcast loop until ctx is
// canceled, at which point every connection is closed.
func (h *Hub) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("wsstream: client registered", "total_clients", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("wsstream: client unregistered", "total_clients", n)

		case event := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				go h.sendToClient(conn, event)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) sendToClient(conn *websocket.Conn, event events.ProfileUpdated) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Debug("wsstream: write failed, unregistering client", "error", err)
		h.unregister <- conn
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it with the hub. Mount at a GET route, e.g. /v1/stream.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("wsstream: upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	h.register <- conn
	go h.readPump(conn)
}

// readPump keeps the connection alive with periodic pings and drains any
// client-sent frames (none are expected) until the connection closes.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() { h.unregister <- conn }()

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
