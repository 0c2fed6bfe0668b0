package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event is one message on the dashboard event feed.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Event types broadcast by the server.
const (
	EventTurnSaved              = "turn_saved"
	EventTurnEnriched           = "turn_enriched"
	EventConsolidationCompleted = "consolidation_completed"
)

// WebSocketHub fans events out to connected dashboard clients.
type WebSocketHub struct {
	clients    map[hubClient]bool
	broadcast  chan Event
	register   chan hubClient
	unregister chan hubClient
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// hubClient allows both real connections and test doubles.
type hubClient interface {
	sendChannel() chan []byte
	closeConn()
}

// NewWebSocketHub creates a hub. Call Run to start its loop.
func NewWebSocketHub() *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:    make(map[hubClient]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan hubClient),
		unregister: make(chan hubClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("ERROR: Failed to marshal event: %v", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					// Slow client; drop it rather than block the hub.
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *WebSocketHub) Stop() {
	h.cancel()
	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.closeConn()
	}
	h.clients = make(map[hubClient]bool)
	h.mu.Unlock()
}

// drop hands a client to the hub for removal. The unregister channel is
// unbuffered, so once Stop has ended the Run loop a plain send would block
// the pump goroutine forever; Stop already disconnected every client, so
// returning on hub shutdown is enough.
func (h *WebSocketHub) drop(c hubClient) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Broadcast queues an event for all clients, dropping it when the hub is
// saturated.
func (h *WebSocketHub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Println("WARNING: Event broadcast channel full, dropping event")
	}
}

// wsClient is a live WebSocket connection.
type wsClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) closeConn() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("ERROR: WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client messages to detect disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
