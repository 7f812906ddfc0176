package websocket

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/egor/ecochatserver/metrics"
	"github.com/egor/ecochatserver/models"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write one frame
	pongWait       = 60 * time.Second    // a peer silent for this long is gone
	pingPeriod     = (pongWait * 9) / 10 // must be shorter than pongWait
	maxMessageSize = 16 << 10
	sendBuffer     = 256
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Role is what a connection joined as.
type Role int

const (
	RoleNone Role = iota
	RoleCustomer
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleCustomer:
		return "customer"
	case RoleAdmin:
		return "admin"
	}
	return "none"
}

// Client is one server-side WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// ID identifies the connection, not the participant.
	ID string

	mu       sync.RWMutex
	role     Role
	room     string
	identity *models.Identity
	adminID  string
}

// NewClient wraps an upgraded connection. limit and burst bound how many
// events per second the peer may send; a zero limit disables the check.
func NewClient(hub *Hub, conn *websocket.Conn, limit rate.Limit, burst int) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		ID:   uuid.NewString(),
	}
	if limit > 0 {
		c.limiter = rate.NewLimiter(limit, burst)
	}
	return c
}

func (c *Client) setRole(r Role, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role, c.room = r, room
}

func (c *Client) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Room is the conversation identifier a customer connection joined.
func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// Identity returns the customer identity, or nil for admins and unjoined connections.
func (c *Client) Identity() *models.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

// SetIdentity records the identity a customer joined with.
func (c *Client) SetIdentity(id models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &id
}

// AttachEmail adds a captured email to the connection identity.
func (c *Client) AttachEmail(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil && email != "" {
		c.identity.Email = email
	}
}

func (c *Client) AdminID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adminID
}

func (c *Client) SetAdminID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminID = id
}

// Send queues an event for this connection only.
func (c *Client) Send(event string, payload any) error {
	data, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	c.hub.send(c, data)
	return nil
}

// SendError delivers an ERROR event.
func (c *Client) SendError(message string) {
	data, err := NewErrorMessage(message)
	if err != nil {
		return
	}
	c.hub.send(c, data)
}

// ReadPump reads frames until the connection fails and hands each one to
// handler. It runs in its own goroutine per connection.
func (c *Client) ReadPump(handler func(c *Client, raw []byte)) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Info("websocket closed unexpectedly", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			metrics.RateLimited.Inc()
			c.SendError(models.ErrRateLimited.Error())
			continue
		}

		raw = bytes.TrimSpace(bytes.Replace(raw, newline, space, -1))
		if handler != nil {
			handler(c, raw)
		}
	}
}

// WritePump drains the send queue to the socket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one envelope per frame; receivers decode frames as single JSON values
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
