package realtime

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Handler receives the raw payload of one push event.
type Handler func(payload json.RawMessage)

// ListenerID identifies one registration so it can be removed later.
// The zero value is never issued and is safe to pass to Off.
type ListenerID uint64

// Connection-lifecycle event names. These are observable like any other
// event but drive no state transitions here; reconnection policy belongs
// to whoever owns the channel.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventConnectError = "connect_error"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Channel owns at most one live push connection, scoped to the current
// authenticated identity, and fans out named events to listeners.
type Channel struct {
	baseURL string
	dialer  *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	identity  string
	nextID    ListenerID
	listeners map[string]map[ListenerID]Handler
}

// NewChannel takes the websocket base URL, e.g. "ws://localhost:8080".
func NewChannel(baseURL string) *Channel {
	return &Channel{
		baseURL: baseURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Open establishes the push connection for identity. Calling it again for
// the identity that is already connected is a no-op; a different identity
// tears down the old connection first.
func (c *Channel) Open(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if c.identity == identity {
			return nil
		}
		c.teardownLocked()
	}

	endpoint := c.baseURL + "/ws?" + url.Values{"userId": {identity}}.Encode()
	conn, _, err := c.dialer.Dial(endpoint, nil)
	if err != nil {
		return errors.Wrapf(err, "opening push channel for %s", identity)
	}

	c.conn = conn
	c.identity = identity
	c.listeners = make(map[string]map[ListenerID]Handler)
	log.Debug().Str("component", "realtime").Str("identity", identity).Msg("push channel open")

	go c.readPump(conn)
	return nil
}

// Close tears down the live connection, if any, and clears all listeners.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Channel) teardownLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.conn = nil
	c.identity = ""
	c.listeners = nil
}

// Connected reports whether a live connection exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Identity returns the identity the connection was opened for, or "".
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// On registers fn for the named event. Without a live connection it is a
// no-op and returns the zero ListenerID; callers must open first.
func (c *Channel) On(event string, fn Handler) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	c.nextID++
	id := c.nextID
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[ListenerID]Handler)
	}
	c.listeners[event][id] = fn
	return id
}

// Off removes one registration. Unknown ids are ignored.
func (c *Channel) Off(event string, id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		return
	}
	delete(c.listeners[event], id)
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if current {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Str("component", "realtime").Err(err).Msg("push channel read failed")
				}
				c.dispatch(EventDisconnected, nil)
			}
			return
		}
		c.dispatch(f.Type, f.Payload)
	}
}

func (c *Channel) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.listeners[event]))
	for _, fn := range c.listeners[event] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
