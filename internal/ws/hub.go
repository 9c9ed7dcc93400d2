// Package ws streams market data: clients subscribe to a ticker and
// receive book snapshots and trades after each committed placement.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type   string `json:"type"`
	Ticker string `json:"ticker"`
	Data   any    `json:"data"`
}

// Hub manages per-ticker subscriptions.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]bool // ticker -> set of conns
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	ticker string
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*conn]bool)}
}

// Publish sends a message to all subscribers of a ticker. Slow clients
// are skipped rather than allowed to stall the engine.
func (h *Hub) Publish(ticker, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, Ticker: ticker, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	room := h.rooms[ticker]
	h.mu.RUnlock()
	for c := range room {
		select {
		case c.send <- b:
		default:
		}
	}
}

// HandleWS upgrades the connection and starts its pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{ws: wsConn, send: make(chan []byte, 64), hub: h}
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
			return
		}
		var sub struct {
			Action string `json:"action"`
			Ticker string `json:"ticker"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.Ticker)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.Ticker)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) subscribe(c *conn, ticker string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.ticker != "" {
		h.leaveRoom(c, c.ticker)
	}
	c.ticker = ticker
	room, ok := h.rooms[ticker]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[ticker] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, ticker string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoom(c, ticker)
	if c.ticker == ticker {
		c.ticker = ""
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.ticker != "" {
		h.leaveRoom(c, c.ticker)
	}
	close(c.send)
}

// leaveRoom must be called with the hub lock held.
func (h *Hub) leaveRoom(c *conn, ticker string) {
	if room, ok := h.rooms[ticker]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, ticker)
		}
	}
}
