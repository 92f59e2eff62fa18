// Package live pushes alert, session and notification updates to connected
// dashboards over websocket.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"adas-system/driver-monitor/internal/models"
)

const (
	TypeWelcome      = "WELCOME"
	TypePing         = "PING"
	TypePong         = "PONG"
	TypeAlert        = "ALERT"
	TypeState        = "STATE"
	TypeNotification = "NOTIFICATION"
	TypeError        = "ERROR"
)

const (
	sendBuffer   = 256
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HandlerFunc answers a client message. A non-nil error is sent back as ERROR.
type HandlerFunc func(clientID string, payload json.RawMessage) error

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub fans messages out to every connected client. A client whose buffer is
// full misses the message rather than stalling the sender.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*client
	closed   bool
	handlers map[string]HandlerFunc

	snapshot func() []Message
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for inbound messages of type t.
func (h *Hub) Handle(t string, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[t] = fn
	h.mu.Unlock()
}

// SetSnapshot sets the messages replayed to each new client after WELCOME.
func (h *Hub) SetSnapshot(fn func() []Message) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := r.URL.Query().Get("clientId")
	if id == "" {
		id = "client-" + uuid.NewString()[:8]
	}
	c := &client{id: id, conn: conn, send: make(chan Message, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(old.send)
	}
	h.clients[id] = c
	snapshot := h.snapshot
	h.mu.Unlock()

	slog.Info("websocket client connected", "client_id", id)

	h.reply(c, Message{
		Type:      TypeWelcome,
		ClientID:  id,
		Timestamp: time.Now().Unix(),
		Payload:   map[string]interface{}{"message": "connected to driver monitor", "version": "1.0"},
	})
	if snapshot != nil {
		for _, m := range snapshot() {
			if m.Timestamp == 0 {
				m.Timestamp = time.Now().Unix()
			}
			h.reply(c, m)
		}
	}

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast stamps msg and offers it to every client.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.deliver(c, msg)
	}
}

func (h *Hub) deliver(c *client, msg Message) {
	select {
	case c.send <- msg:
	default:
		slog.Warn("websocket client too slow, message dropped", "client_id", c.id, "type", msg.Type)
	}
}

func (h *Hub) Notify(n models.Notification) {
	h.Broadcast(Message{Type: TypeNotification, Payload: n})
}

func (h *Hub) PublishAlert(a models.Alert) {
	h.Broadcast(Message{Type: TypeAlert, Payload: a})
}

func (h *Hub) PublishState(s models.SessionState) {
	h.Broadcast(Message{Type: TypeState, Payload: map[string]models.SessionState{"state": s}})
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
	slog.Info("websocket client disconnected", "client_id", c.id)
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}

		if msg.Type == TypePing {
			h.reply(c, Message{Type: TypePong, ClientID: c.id, Timestamp: time.Now().Unix()})
			continue
		}

		h.mu.RLock()
		fn := h.handlers[msg.Type]
		h.mu.RUnlock()
		if fn == nil {
			slog.Debug("unknown websocket message", "client_id", c.id, "type", msg.Type)
			continue
		}
		if err := fn(c.id, msg.Payload); err != nil {
			h.reply(c, Message{
				Type:      TypeError,
				ClientID:  c.id,
				Timestamp: time.Now().Unix(),
				Payload:   map[string]string{"request": msg.Type, "error": err.Error()},
			})
		}
	}
}

// reply sends to one client unless it has already been unregistered.
func (h *Hub) reply(c *client, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		h.deliver(c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
