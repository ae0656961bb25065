package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type     string `json:"type"`
	MarketID uint64 `json:"market_id"`
	Data     any    `json:"data"`
}

// Hub manages per-market WebSocket subscriptions. A connection may follow
// several markets at once.
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint64]map[*conn]bool // marketID -> set of conns
	conns map[*conn]bool
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	markets map[uint64]bool
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[uint64]map[*conn]bool),
		conns: make(map[*conn]bool),
	}
}

// Publish sends a message to all subscribers of a market. Safe to call
// from the engine goroutine after commit: slow clients are dropped, never
// waited on.
func (h *Hub) Publish(marketID uint64, msgType string, data any) {
	msg := Msg{Type: msgType, MarketID: marketID, Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// Hold the lock through the loop: removeConn closes send channels
	// under the write lock, so no send can race a close.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[marketID] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:      wsConn,
		send:    make(chan []byte, 64),
		hub:     h,
		markets: make(map[uint64]bool),
	}
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","market_id":7}
		var sub struct {
			Action   string `json:"action"`
			MarketID uint64 `json:"market_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.MarketID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.MarketID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, marketID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.markets[marketID] = true
	room, ok := h.rooms[marketID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[marketID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, marketID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.markets, marketID)
	if room, ok := h.rooms[marketID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, marketID)
		}
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	for marketID := range c.markets {
		if room, ok := h.rooms[marketID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, marketID)
			}
		}
	}
	close(c.send)
}
