package devserver

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatlink/internal/models"
)

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Hub tracks one push connection per user and fans events out to them.
// A second connection for the same user replaces the first.
type Hub struct {
	register   chan *client
	unregister chan *client

	mu     sync.RWMutex
	byUser map[string]*client
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		byUser:     make(map[string]*client),
	}
}

func (h *Hub) Run() {
	log.Debug().Str("component", "devserver").Msg("push hub started")
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.byUser[c.userID]; ok {
				close(old.send)
				_ = old.conn.Close()
			}
			h.byUser[c.userID] = c
			h.mu.Unlock()
			log.Debug().Str("component", "devserver").Str("user", c.userID).Msg("client connected")

			c.deliver(models.PushFrame{Type: realtimeConnected})
			h.BroadcastOnline()

		case c := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.byUser[c.userID]; ok && current == c {
				delete(h.byUser, c.userID)
				close(c.send)
			}
			h.mu.Unlock()
			log.Debug().Str("component", "devserver").Str("user", c.userID).Msg("client disconnected")

			h.BroadcastOnline()
		}
	}
}

const realtimeConnected = "connected"

// SendToUser pushes one named event to a user, if connected.
func (h *Hub) SendToUser(userID, event string, payload interface{}) {
	h.mu.RLock()
	c, ok := h.byUser[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.deliver(models.PushFrame{Type: event, Payload: payload})
}

// BroadcastOnline replaces every client's view of who is connected.
func (h *Hub) BroadcastOnline() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.byUser))
	clients := make([]*client, 0, len(h.byUser))
	for id, c := range h.byUser {
		ids = append(ids, id)
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sort.Strings(ids)
	frame := models.PushFrame{Type: models.EventOnlineUsers, Payload: ids}
	for _, c := range clients {
		c.deliver(frame)
	}
}

// Disconnect drops a user's connection, e.g. after account deletion.
func (h *Hub) Disconnect(userID string) {
	h.mu.Lock()
	c, ok := h.byUser[userID]
	if ok {
		delete(h.byUser, userID)
		close(c.send)
		_ = c.conn.Close()
	}
	h.mu.Unlock()
	if ok {
		h.BroadcastOnline()
	}
}

func (c *client) deliver(frame models.PushFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Warn().Str("component", "devserver").Err(err).Msg("marshaling push frame failed")
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("component", "devserver").Str("user", c.userID).Msg("send buffer full, dropping frame")
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("component", "devserver").Err(err).Msg("read error")
			}
			return
		}
		// The client does not send anything meaningful; ignore.
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
