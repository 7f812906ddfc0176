package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/autoreply"
	"github.com/egor/ecochatserver/conversation"
	"github.com/egor/ecochatserver/database"
	"github.com/egor/ecochatserver/middleware"
	"github.com/egor/ecochatserver/models"
	"github.com/egor/ecochatserver/presence"
	"github.com/egor/ecochatserver/receipts"
	"github.com/egor/ecochatserver/router"
	websocketpkg "github.com/egor/ecochatserver/websocket"
)

const testSecret = "test-secret"

type env struct {
	srv      *httptest.Server
	auth     *middleware.Authenticator
	store    *database.Memory
	presence *presence.Tracker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	store := database.NewMemory()
	hub := websocketpkg.NewHub(log)
	reg := conversation.NewRegistry()
	svc, err := autoreply.NewService(context.Background(), store, log)
	require.NoError(t, err)
	rt := router.New(store, reg, hub, svc, log)
	pt := presence.NewTracker(hub, log)
	auth := middleware.NewAuthenticator(testSecret)

	g := NewGateway(hub, rt, receipts.NewTracker(store, reg, log), pt, svc, auth, GatewayConfig{AllowAllOrigins: true}, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	r := gin.New()
	g.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, auth: auth, store: store, presence: pt}
}

func (e *env) adminToken(t *testing.T) string {
	tok, err := e.auth.GenerateToken(middleware.JWTClaims{AdminID: "agent-1", Role: middleware.RoleAdmin})
	require.NoError(t, err)
	return tok
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(event string, payload any) {
	raw, err := websocketpkg.NewMessage(event, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, raw))
}

// expect reads until an event of the given type arrives and decodes it into v.
func (p *peer) expect(event string, v any) {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		_, raw, err := p.conn.ReadMessage()
		require.NoError(p.t, err, "waiting for %s", event)
		var env models.Envelope
		require.NoError(p.t, json.Unmarshal(raw, &env))
		if env.Type == event {
			if v != nil {
				require.NoError(p.t, json.Unmarshal(env.Payload, v))
			}
			return
		}
	}
}

func (e *env) joinAdmin(t *testing.T) *peer {
	a := e.dial(t)
	a.send(models.EventJoinChat, models.JoinPayload{IsAdmin: true, Token: e.adminToken(t)})
	a.expect(models.EventConversationsList, nil)
	return a
}

func (e *env) joinVisitor(t *testing.T, session string) *peer {
	c := e.dial(t)
	id := models.AnonymousIdentity(session, "")
	c.send(models.EventJoinChat, models.JoinPayload{Identity: &id})
	return c
}

func TestGateway_EmailGateAndDelivery(t *testing.T) {
	e := newEnv(t)
	admin := e.joinAdmin(t)
	visitor := e.joinVisitor(t, "sess-1")
	visitor.expect(models.EventAdminOnline, nil)

	visitor.send(models.EventSendMessage, models.SendMessagePayload{Message: "hello"})
	var perr models.ErrorPayload
	visitor.expect(models.EventError, &perr)
	assert.Equal(t, models.ErrEmailRequired.Error(), perr.Message)

	visitor.send(models.EventSendMessage, models.SendMessagePayload{Message: "hello", Email: "v@shop.test"})

	var echo models.NewMessagePayload
	visitor.expect(models.EventNewMessage, &echo)
	assert.Equal(t, "hello", echo.ChatMessage.Body)
	assert.Equal(t, "v@shop.test", echo.ChatMessage.Email)

	var got models.NewMessagePayload
	admin.expect(models.EventNewMessage, &got)
	assert.Equal(t, echo.ChatMessage.ID, got.ChatMessage.ID)

	var list models.ConversationsPayload
	admin.expect(models.EventConversationsList, &list)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, models.StatusUnread, list.Conversations[0].Status)
	assert.True(t, list.Conversations[0].IsOnline)

	// the captured email sticks to the connection
	visitor.send(models.EventSendMessage, models.SendMessagePayload{Message: "still there?"})
	visitor.expect(models.EventNewMessage, &echo)
	assert.Equal(t, "v@shop.test", echo.ChatMessage.Email)
}

func TestGateway_RejectsMalformedEmails(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)
	id := models.AnonymousIdentity("sess-1", "garbage")
	p.send(models.EventJoinChat, models.JoinPayload{Identity: &id})
	var perr models.ErrorPayload
	p.expect(models.EventError, &perr)
	assert.Contains(t, perr.Message, "invalid email")

	visitor := e.joinVisitor(t, "sess-2")
	visitor.expect(models.EventAdminOffline, nil)
	visitor.send(models.EventSendMessage, models.SendMessagePayload{Message: "hello", Email: "nope"})
	visitor.expect(models.EventError, &perr)
	assert.Contains(t, perr.Message, "invalid email")
}

func TestGateway_AgentReplyReachesCustomerRoomOnly(t *testing.T) {
	e := newEnv(t)
	admin := e.joinAdmin(t)
	c1 := e.joinVisitor(t, "sess-a")
	c1.expect(models.EventAdminOnline, nil)
	c2 := e.joinVisitor(t, "sess-b")
	c2.expect(models.EventAdminOnline, nil)

	c1.send(models.EventSendMessage, models.SendMessagePayload{Message: "need help", Email: "a@shop.test"})
	c1.expect(models.EventNewMessage, nil)
	admin.expect(models.EventNewMessage, nil)

	admin.send(models.EventSendMessage, models.SendMessagePayload{Message: "on it", SessionID: "sess-a"})
	var reply models.NewMessagePayload
	c1.expect(models.EventNewMessage, &reply)
	assert.Equal(t, models.SenderAdmin, reply.ChatMessage.SenderType)

	var list models.ConversationsPayload
	admin.expect(models.EventConversationsList, &list)
	admin.expect(models.EventConversationsList, &list)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, models.StatusAnswered, list.Conversations[0].Status)

	// agent typing reaches only the named room
	admin.send(models.EventTypingStart, models.IdentityPayload{Identity: models.AnonymousIdentity("sess-b", "")})
	var typing models.TypingPayload
	c2.expect(models.EventTyping, &typing)
	assert.True(t, typing.IsTyping)
}

func TestGateway_PresenceEdges(t *testing.T) {
	e := newEnv(t)
	visitor := e.joinVisitor(t, "sess-p")
	visitor.expect(models.EventAdminOffline, nil)

	admin := e.joinAdmin(t)
	visitor.expect(models.EventAdminOnline, nil)

	require.NoError(t, admin.conn.Close())
	visitor.expect(models.EventAdminOffline, nil)
	assert.False(t, e.presence.IsAnyAdminOnline())
}

func TestGateway_RejectsBadAdminToken(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)
	p.send(models.EventJoinChat, models.JoinPayload{IsAdmin: true, Token: "garbage"})
	var perr models.ErrorPayload
	p.expect(models.EventError, &perr)
	assert.Equal(t, "unauthorized", perr.Message)

	p.send(models.EventMarkRead, models.IdentityPayload{Identity: models.UserIdentity("1", "", "")})
	p.expect(models.EventError, &perr)
	assert.Equal(t, "admin access required", perr.Message)
}

func TestGateway_UserIdentityNeedsToken(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)
	id := models.UserIdentity("42", "ann@shop.test", "Ann")
	p.send(models.EventJoinChat, models.JoinPayload{Identity: &id})
	var perr models.ErrorPayload
	p.expect(models.EventError, &perr)
	assert.Contains(t, perr.Message, "token")

	tok, err := e.auth.GenerateToken(middleware.JWTClaims{Role: middleware.RoleCustomer, UserID: "42", Email: "ann@shop.test", Name: "Ann"})
	require.NoError(t, err)
	p.send(models.EventJoinChat, models.JoinPayload{Identity: &id, Token: tok})
	p.expect(models.EventAdminOffline, nil)

	p.send(models.EventSendMessage, models.SendMessagePayload{Message: "hi"})
	var echo models.NewMessagePayload
	p.expect(models.EventNewMessage, &echo)
	assert.Equal(t, "user_42", echo.ChatMessage.Identifier)
}

func TestGateway_HistoryReadAndResolve(t *testing.T) {
	e := newEnv(t)
	admin := e.joinAdmin(t)
	visitor := e.joinVisitor(t, "sess-h")
	visitor.expect(models.EventAdminOnline, nil)
	for _, body := range []string{"one", "two"} {
		visitor.send(models.EventSendMessage, models.SendMessagePayload{Message: body, Email: "h@shop.test"})
		visitor.expect(models.EventNewMessage, nil)
	}

	visitor.send(models.EventFetchHistory, nil)
	var hist models.HistoryPayload
	visitor.expect(models.EventChatHistory, &hist)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "one", hist.Messages[0].Body)

	target := models.IdentityPayload{Identity: models.AnonymousIdentity("sess-h", "")}
	admin.send(models.EventMarkRead, target)
	var list models.ConversationsPayload
	for {
		admin.expect(models.EventConversationsList, &list)
		if len(list.Conversations) == 1 && list.Conversations[0].UnreadCount == 0 {
			break
		}
	}

	admin.send(models.EventMarkResolved, target)
	for {
		admin.expect(models.EventConversationsList, &list)
		if len(list.Conversations) == 0 {
			break
		}
	}
	assert.Equal(t, []string{"agent-1"}, e.store.Resolutions(target.Identity))
}

func TestGateway_UnknownEventAndBadJSON(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t)
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	var perr models.ErrorPayload
	p.expect(models.EventError, &perr)
	assert.Equal(t, "invalid JSON envelope", perr.Message)

	p.send("SELF_DESTRUCT", nil)
	p.expect(models.EventError, &perr)
	assert.Contains(t, perr.Message, "SELF_DESTRUCT")

	p.send(models.EventSendMessage, models.SendMessagePayload{Message: "x"})
	p.expect(models.EventError, &perr)
	assert.Equal(t, "send JOIN_CHAT first", perr.Message)
}

func (e *env) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestREST_TemplatesAndMatch(t *testing.T) {
	e := newEnv(t)
	tok := e.adminToken(t)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/templates", "", nil).StatusCode)

	resp := e.do(t, http.MethodPost, "/api/templates", tok, map[string]any{
		"title": "Order status", "body": "Track it in your account.", "keywords": []string{"order", "status"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Template
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp = e.do(t, http.MethodPost, "/api/templates/match", tok, map[string]string{"text": "What's my order status"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var matched struct {
		Templates []models.Template `json:"templates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&matched))
	require.Len(t, matched.Templates, 1)
	assert.Equal(t, created.ID, matched.Templates[0].ID)

	resp = e.do(t, http.MethodPost, "/api/templates/"+strconv.FormatInt(created.ID, 10)+"/use", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var used struct {
		Body string `json:"body"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&used))
	assert.Equal(t, "Track it in your account.", used.Body)

	resp = e.do(t, http.MethodPost, "/api/templates", tok, map[string]any{"title": "", "body": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPut, "/api/templates/999", tok, map[string]any{"title": "t", "body": "b"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/templates/"+strconv.FormatInt(created.ID, 10), tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestREST_ConversationsAndWidgetConfig(t *testing.T) {
	e := newEnv(t)
	tok := e.adminToken(t)

	resp := e.do(t, http.MethodGet, "/api/widget/config", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg struct {
		AdminOnline bool `json:"adminOnline"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.False(t, cfg.AdminOnline)

	visitor := e.joinVisitor(t, "sess-r")
	visitor.expect(models.EventAdminOffline, nil)
	visitor.send(models.EventSendMessage, models.SendMessagePayload{Message: "hi", Email: "r@shop.test"})
	visitor.expect(models.EventNewMessage, nil)

	resp = e.do(t, http.MethodGet, "/api/conversations?view=unread", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.ConversationsPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Conversations, 1)

	resp = e.do(t, http.MethodGet, "/api/conversations/session_sess-r/messages", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/conversations/session_sess-r/read", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv models.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	assert.Equal(t, 0, conv.UnreadCount)

	resp = e.do(t, http.MethodPost, "/api/conversations/session_sess-r/resolve", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/conversations/bogus/resolve", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/api/conversations/user_nobody/resolve", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	g := &Gateway{cfg: GatewayConfig{AllowedOrigins: []string{"https://shop.test"}}, log: zap.NewNop()}
	req := func(origin, host string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = host
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, g.checkOrigin(req("https://shop.test", "api.shop.test")))
	assert.False(t, g.checkOrigin(req("https://evil.test", "api.shop.test")))
	assert.True(t, g.checkOrigin(req("", "localhost:8080")))
	assert.False(t, g.checkOrigin(req("", "api.shop.test")))

	g.cfg.AllowAllOrigins = true
	assert.True(t, g.checkOrigin(req("https://evil.test", "api.shop.test")))
}
