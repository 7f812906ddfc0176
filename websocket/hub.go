package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/egor/ecochatserver/metrics"
)

// Hub tracks live connections, the identity rooms customers are joined to
// and the set of admin connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	admins  map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	onLeave func(*Client)
	log     *zap.Logger
}

// NewHub creates a Hub. Call Run before accepting connections.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		admins:     make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// OnLeave installs the callback run after a joined client is removed.
// It must be set before Run.
func (h *Hub) OnLeave(fn func(*Client)) { h.onLeave = fn }

// Run serves register/unregister until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", zap.String("conn", c.ID), zap.Int("clients", n))

		case c := <-h.unregister:
			if h.remove(c) {
				if c.Role() != RoleNone && h.onLeave != nil {
					h.onLeave(c)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.rooms = make(map[string]map[*Client]struct{})
			h.admins = make(map[*Client]struct{})
			h.mu.Unlock()
			h.log.Info("hub stopped")
			return
		}
	}
}

// Register adds a freshly upgraded connection.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

// Unregister removes c. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	h.leaveLocked(c)
	close(c.send)
	h.log.Debug("client disconnected", zap.String("conn", c.ID), zap.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) leaveLocked(c *Client) {
	switch c.Role() {
	case RoleAdmin:
		delete(h.admins, c)
		metrics.Connections.WithLabelValues("admin").Dec()
	case RoleCustomer:
		room := c.Room()
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
		metrics.Connections.WithLabelValues("customer").Dec()
	}
}

// JoinRoom places a customer connection into the room of its conversation.
// A connection that already joined is moved.
func (h *Hub) JoinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.leaveLocked(c)
	c.setRole(RoleCustomer, room)
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	metrics.Connections.WithLabelValues("customer").Inc()
}

// JoinAdmins adds an authenticated agent connection to the admin set.
func (h *Hub) JoinAdmins(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.leaveLocked(c)
	c.setRole(RoleAdmin, "")
	h.admins[c] = struct{}{}
	metrics.Connections.WithLabelValues("admin").Inc()
}

// RoomSize is the number of connections joined to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// SendToRoom delivers an event to every connection in the room.
func (h *Hub) SendToRoom(room, event string, payload any) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		h.deliverLocked(c, data)
	}
}

// SendToAdmins delivers an event to every admin connection.
func (h *Hub) SendToAdmins(event string, payload any) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.admins {
		h.deliverLocked(c, data)
	}
}

// BroadcastToCustomers delivers an event to every customer room.
func (h *Hub) BroadcastToCustomers(event string, payload any) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, members := range h.rooms {
		for c := range members {
			h.deliverLocked(c, data)
		}
	}
}

// send delivers one frame to a single client if it is still registered.
func (h *Hub) send(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.deliverLocked(c, data)
	}
}

// deliverLocked never blocks: a client whose buffer is full is dropped.
func (h *Hub) deliverLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("send buffer full, dropping client", zap.String("conn", c.ID))
		go h.Unregister(c)
	}
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	data, err := NewMessage(event, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return data, true
}
