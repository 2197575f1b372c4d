// Package stream fans queue lifecycle events out to WebSocket clients.
package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/hqm/engine"
)

const (
	maxWSConnections = 200
	eventBuffer      = 256
	writeTimeout     = 5 * time.Second
)

// frame is the wire shape of one event.
type frame struct {
	Kind  string       `json:"kind"`
	At    time.Time    `json:"at"`
	Event engine.Event `json:"event"`
}

// Hub manages WebSocket connections and broadcasts lifecycle events.
// Single broadcaster pattern prevents per-connection fan-out goroutines.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan engine.Event
	mu         sync.RWMutex
}

// NewHub creates a hub and subscribes it to the engine's event feed.
func NewHub(e *engine.Engine) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan engine.Event, eventBuffer),
	}
	e.OnAnyEvent(func(ev engine.Event) {
		select {
		case h.events <- ev:
		default:
			// slow consumers never block the dispatch path
		}
	})
	return h
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client registered. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client unregistered. Total: %d", total)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev engine.Event) {
	msg := frame{Kind: ev.Kind(), At: time.Now(), Event: ev}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		// Write deadline prevents blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
