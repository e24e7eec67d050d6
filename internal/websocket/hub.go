package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn wraps a gorilla connection with a write lock so the read loop,
// timer pushes, and hub broadcasts never interleave frames.
type Conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewConn wraps an upgraded connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes a typed message, serialized against concurrent writers.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteTyped(c.ws, v)
}

// SendError writes a typed ErrorMessage.
func (c *Conn) SendError(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteError(c.ws, msg)
}

// Read reads one raw frame from the underlying connection.
func (c *Conn) Read() ([]byte, error) {
	return ReadFrame(c.ws)
}

// Hub tracks the live connections of each session so corrective messages
// can be pushed to every tab/device attached to the same attempt. The
// server is the serialization point; clients apply corrections without
// caring which connection originated them.
type Hub struct {
	mu    sync.Mutex
	conns map[uuid.UUID]map[*Conn]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[uuid.UUID]map[*Conn]struct{})}
}

// Register adds a connection under a session id.
func (h *Hub) Register(sessionID uuid.UUID, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[sessionID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[sessionID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a connection. Safe to call twice.
func (h *Hub) Unregister(sessionID uuid.UUID, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, sessionID)
		}
	}
}

// Broadcast sends a message to every connection of the session.
func (h *Hub) Broadcast(sessionID uuid.UUID, v interface{}) {
	for _, c := range h.snapshot(sessionID) {
		// Write failures are the read loop's problem; it will observe the
		// broken connection and unregister.
		_ = c.Send(v)
	}
}

// BroadcastExcept sends a message to every connection of the session other
// than the originator.
func (h *Hub) BroadcastExcept(sessionID uuid.UUID, origin *Conn, v interface{}) {
	for _, c := range h.snapshot(sessionID) {
		if c == origin {
			continue
		}
		_ = c.Send(v)
	}
}

func (h *Hub) snapshot(sessionID uuid.UUID) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[sessionID]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
