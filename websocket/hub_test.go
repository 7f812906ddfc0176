package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/models"
)

// testServer upgrades every request and hands the server-side client to joined.
func testServer(t *testing.T, hub *Hub, joined chan<- *Client, handler func(*Client, []byte)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(hub, conn, 0, 0)
		hub.Register(c)
		go c.WritePump()
		go c.ReadPump(handler)
		joined <- c
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHub_RoomsAndAdmins(t *testing.T) {
	hub := startHub(t)
	joined := make(chan *Client, 3)
	srv := testServer(t, hub, joined, nil)

	customerA := dial(t, srv)
	ca := <-joined
	customerB := dial(t, srv)
	cb := <-joined
	admin := dial(t, srv)
	ad := <-joined

	hub.JoinRoom(ca, "user_1")
	hub.JoinRoom(cb, "user_2")
	hub.JoinAdmins(ad)
	assert.Equal(t, 1, hub.RoomSize("user_1"))

	hub.SendToRoom("user_1", models.EventNewMessage, models.NewMessagePayload{ChatMessage: models.Message{Body: "hi"}})
	env := readEnvelope(t, customerA)
	assert.Equal(t, models.EventNewMessage, env.Type)

	hub.SendToAdmins(models.EventConversationsList, models.ConversationsPayload{})
	assert.Equal(t, models.EventConversationsList, readEnvelope(t, admin).Type)

	hub.BroadcastToCustomers(models.EventAdminOnline, nil)
	assert.Equal(t, models.EventAdminOnline, readEnvelope(t, customerA).Type)
	// customerB never got the room message, so the presence event is first
	assert.Equal(t, models.EventAdminOnline, readEnvelope(t, customerB).Type)
}

func TestHub_OnLeaveAfterDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	left := make(chan *Client, 1)
	hub.OnLeave(func(c *Client) { left <- c })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	joined := make(chan *Client, 1)
	srv := testServer(t, hub, joined, nil)
	conn := dial(t, srv)
	c := <-joined
	hub.JoinAdmins(c)

	require.NoError(t, conn.Close())
	select {
	case got := <-left:
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, RoleAdmin, got.Role())
	case <-time.After(2 * time.Second):
		t.Fatal("OnLeave not called")
	}
}

func TestHub_HandlerReceivesFrames(t *testing.T) {
	hub := startHub(t)
	joined := make(chan *Client, 1)
	frames := make(chan []byte, 1)
	srv := testServer(t, hub, joined, func(_ *Client, raw []byte) { frames <- raw })

	conn := dial(t, srv)
	<-joined
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"TYPING_START","payload":{}}`)))

	select {
	case raw := <-frames:
		env, err := ParseMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, models.EventTypingStart, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestClient_SendError(t *testing.T) {
	hub := startHub(t)
	joined := make(chan *Client, 1)
	srv := testServer(t, hub, joined, nil)
	conn := dial(t, srv)
	c := <-joined

	c.SendError("boom")
	env := readEnvelope(t, conn)
	assert.Equal(t, models.EventError, env.Type)
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "boom", p.Message)
}

func TestClient_IdentityIsCopied(t *testing.T) {
	c := &Client{}
	assert.Nil(t, c.Identity())

	c.SetIdentity(models.AnonymousIdentity("s", ""))
	c.AttachEmail("v@shop.test")
	id := c.Identity()
	require.NotNil(t, id)
	assert.Equal(t, "v@shop.test", id.Email)

	id.Email = "changed"
	assert.Equal(t, "v@shop.test", c.Identity().Email)
}

func TestNewMessage_NilPayloadIsObject(t *testing.T) {
	raw, err := NewMessage(models.EventAdminOffline, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ADMIN_OFFLINE","payload":{}}`, string(raw))
}
