package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be shorter than pongWait or the peer times out between pings.
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one live WebSocket connection owned by a user. Writes are
// serialized by the per-connection mutex; a user with several tabs open
// holds several Conns.
type Conn struct {
	id     string
	userID int64
	ws     *websocket.Conn
	mu     sync.Mutex
}

func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Hub is the per-user WebSocket connection registry. It implements the
// engine's Notifier so executors can publish status events to whichever
// connections their owning user currently has.
type Hub struct {
	mu     sync.RWMutex
	conns  map[int64][]*Conn
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[int64][]*Conn),
		logger: logger.With("component", "ws-hub"),
	}
}

// Connect registers a raw WebSocket under userID and returns the tracked
// connection.
func (h *Hub) Connect(ws *websocket.Conn, userID int64) *Conn {
	c := &Conn{id: uuid.NewString(), userID: userID, ws: ws}

	h.mu.Lock()
	h.conns[userID] = append(h.conns[userID], c)
	count := len(h.conns[userID])
	h.mu.Unlock()

	h.logger.Info("client connected", "user", userID, "conn", c.id, "count", count)
	return c
}

// Disconnect removes the connection from its user's list, dropping the
// user key when the list empties, and closes the socket.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	list := h.conns[c.userID]
	for i, other := range list {
		if other == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.conns, c.userID)
	} else {
		h.conns[c.userID] = list
	}
	h.mu.Unlock()

	c.ws.Close()
	h.logger.Info("client disconnected", "user", c.userID, "conn", c.id)
}

// SendToUser serialises one envelope and writes it to every connection the
// user holds. Connections that fail to take the write are disconnected
// after the iteration.
func (h *Hub) SendToUser(userID int64, msgType, channel string, payload any) {
	h.mu.RLock()
	targets := append([]*Conn(nil), h.conns[userID]...)
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(newEnvelope(msgType, channel, payload))
	if err != nil {
		h.logger.Error("failed to marshal envelope", "type", msgType, "error", err)
		return
	}

	var failed []*Conn
	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.logger.Warn("send failed", "user", userID, "conn", c.id, "error", err)
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.Disconnect(c)
	}
}

// Broadcast sends the envelope to every connected user.
func (h *Hub) Broadcast(msgType, channel string, payload any) {
	h.mu.RLock()
	userIDs := make([]int64, 0, len(h.conns))
	for id := range h.conns {
		userIDs = append(userIDs, id)
	}
	h.mu.RUnlock()

	for _, id := range userIDs {
		h.SendToUser(id, msgType, channel, payload)
	}
}

// ConnectionCount reports how many connections userID holds.
func (h *Hub) ConnectionCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}
