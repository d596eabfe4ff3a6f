// Package notify pushes cache-invalidation messages to connected dashboards.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types.
const (
	TypeBuildsInvalidate    = "builds.invalidate"
	TypeProcessesInvalidate = "processes.invalidate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Message is one invalidation notice.
type Message struct {
	Type     string `json:"type"`
	EstateID string `json:"estateId,omitempty"`
	ID       string `json:"id,omitempty"`
}

// Broadcaster delivers messages to every subscriber of an organisation.
type Broadcaster interface {
	Broadcast(orgID string, msg Message)
}

type client struct {
	orgID string
	conn  *websocket.Conn
	send  chan []byte
}

// Hub tracks websocket subscribers per organisation.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*client]struct{}
	closing   chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Close sends a going-away frame to every client and ends their Serve
// calls. Connections served after Close are closed immediately.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.closing) })
	return nil
}

// Broadcast queues msg for every client of orgID. Clients whose buffer is
// full miss the message; the next invalidation supersedes it anyway.
func (h *Hub) Broadcast(orgID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal notification", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[orgID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("notification dropped for slow client", "org_id", orgID, "type", msg.Type)
		}
	}
}

// ClientCount returns the number of clients subscribed to orgID.
func (h *Hub) ClientCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[orgID])
}

// Serve registers conn for orgID and pumps messages until the peer goes
// away or ctx is cancelled. It closes conn before returning.
func (h *Hub) Serve(ctx context.Context, orgID string, conn *websocket.Conn) {
	c := &client{orgID: orgID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readPump(c)
	}()

	h.writePump(ctx, c, done)
	conn.Close()
	<-done
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.orgID] == nil {
		h.clients[c.orgID] = make(map[*client]struct{})
	}
	h.clients[c.orgID][c] = struct{}{}
	h.logger.Debug("notification client connected", "org_id", c.orgID)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[c.orgID], c)
	if len(h.clients[c.orgID]) == 0 {
		delete(h.clients, c.orgID)
	}
	h.logger.Debug("notification client disconnected", "org_id", c.orgID)
}

// readPump discards inbound frames and keeps the read deadline fresh.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read error", "error", err, "org_id", c.orgID)
			}
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.goingAway(c)
			return
		case <-h.closing:
			h.goingAway(c)
			return
		case <-done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write error", "error", err, "org_id", c.orgID)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) goingAway(c *client) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
