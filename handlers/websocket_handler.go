package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/conversation"
	"github.com/egor/ecochatserver/models"
	"github.com/egor/ecochatserver/router"
	websocketpkg "github.com/egor/ecochatserver/websocket"
)

// checkOrigin admits configured origins, and local tools that send none.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		host := r.Host
		return strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:")
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	if g.cfg.AllowAllOrigins {
		g.log.Warn("origin admitted by allow-all", zap.String("origin", origin))
		return true
	}
	g.log.Info("origin rejected", zap.String("origin", origin))
	return false
}

// ServeWs upgrades the request. The connection stays anonymous to the hub
// until it sends JOIN_CHAT.
func (g *Gateway) ServeWs(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Info("websocket upgrade failed", zap.String("ip", c.ClientIP()), zap.Error(err))
		return
	}

	client := websocketpkg.NewClient(g.hub, conn, g.cfg.RateLimit, g.cfg.RateBurst)
	g.hub.Register(client)
	go client.WritePump()
	go client.ReadPump(g.processWebSocketMessage)

	g.log.Debug("websocket connected", zap.String("conn", client.ID), zap.String("ip", c.ClientIP()))
}

func (g *Gateway) processWebSocketMessage(client *websocketpkg.Client, raw []byte) {
	msg, err := websocketpkg.ParseMessage(raw)
	if err != nil {
		client.SendError("invalid JSON envelope")
		return
	}
	ctx := context.Background()

	switch msg.Type {
	case models.EventJoinChat:
		g.processJoin(client, msg.Payload)
	case models.EventSendMessage:
		g.processSendMessage(ctx, client, msg.Payload)
	case models.EventMarkRead:
		g.processMarkRead(ctx, client, msg.Payload)
	case models.EventTypingStart, models.EventTypingStop:
		g.processTyping(client, msg.Payload, msg.Type == models.EventTypingStart)
	case models.EventFetchHistory:
		g.processFetchHistory(ctx, client, msg.Payload)
	case models.EventOpenConversation:
		g.processOpen(client, msg.Payload)
	case models.EventLeaveConversation:
		g.processLeave(client, msg.Payload)
	case models.EventMarkResolved:
		g.processResolve(ctx, client, msg.Payload)
	default:
		client.SendError("unknown event type: " + msg.Type)
	}
}

func decode(client *websocketpkg.Client, payload json.RawMessage, v any) bool {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		client.SendError("invalid payload")
		return false
	}
	return true
}

// reply turns an operation error into an ERROR event. Duplicate ids are
// never surfaced.
func (g *Gateway) reply(client *websocketpkg.Client, op string, err error) {
	switch {
	case err == nil, errors.Is(err, models.ErrDuplicateMessage):
		return
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrEmailRequired),
		errors.Is(err, models.ErrUnknownConversation):
		client.SendError(err.Error())
	default:
		g.log.Error(op+" failed", zap.String("conn", client.ID), zap.Error(err))
		client.SendError(op + " failed")
	}
}

func (g *Gateway) requireAdmin(client *websocketpkg.Client) bool {
	if client.Role() != websocketpkg.RoleAdmin {
		client.SendError("admin access required")
		return false
	}
	return true
}

func (g *Gateway) processJoin(client *websocketpkg.Client, payload json.RawMessage) {
	var p models.JoinPayload
	if !decode(client, payload, &p) {
		return
	}

	if p.IsAdmin {
		claims, err := g.auth.Admin(p.Token)
		if err != nil {
			client.SendError("unauthorized")
			return
		}
		if client.Role() == websocketpkg.RoleAdmin {
			return
		}
		g.leaveCustomerRoom(client)
		client.SetAdminID(claims.AdminID)
		g.hub.JoinAdmins(client)
		g.presence.AdminConnected(client.ID)
		_ = client.Send(models.EventConversationsList, models.ConversationsPayload{
			Conversations: g.router.Conversations(conversation.FilterChat),
		})
		g.log.Info("admin joined", zap.String("admin", claims.AdminID), zap.String("conn", client.ID))
		return
	}

	identity, err := g.resolveIdentity(p)
	if err != nil {
		client.SendError(err.Error())
		return
	}
	if client.Role() == websocketpkg.RoleAdmin {
		client.SendError("admin connections cannot join a customer room")
		return
	}
	if prev := client.Identity(); prev != nil && prev.Key() != identity.Key() {
		g.leaveCustomerRoom(client)
	}

	client.SetIdentity(identity)
	g.hub.JoinRoom(client, identity.Key())
	g.router.SetPresence(identity, true)
	_ = client.Send(g.presence.CurrentEvent(), struct{}{})
	g.log.Debug("customer joined", zap.String("conversation", identity.Key()), zap.String("conn", client.ID))
}

// resolveIdentity admits anonymous identities as sent and requires a customer
// token for authenticated ones.
func (g *Gateway) resolveIdentity(p models.JoinPayload) (models.Identity, error) {
	if p.Token != "" {
		id, err := g.auth.UserIdentity(p.Token)
		if err != nil {
			return models.Identity{}, errors.New("unauthorized")
		}
		if p.Identity != nil && p.Identity.Kind == models.IdentityUser && p.Identity.UserID != id.UserID {
			return models.Identity{}, errors.New("identity does not match token")
		}
		return id, nil
	}
	if p.Identity == nil {
		return models.Identity{}, errors.New("identity is required")
	}
	if p.Identity.Kind == models.IdentityUser {
		return models.Identity{}, errors.New("authenticated identity requires a token")
	}
	id := *p.Identity
	id.Name = nil
	if id.Email != "" {
		addr, err := models.ValidateEmail(id.Email)
		if err != nil {
			return models.Identity{}, err
		}
		id.Email = addr
	}
	return id, id.Validate()
}

// leaveCustomerRoom marks the customer offline when their last connection
// moves elsewhere.
func (g *Gateway) leaveCustomerRoom(client *websocketpkg.Client) {
	prev := client.Identity()
	if prev == nil || client.Role() != websocketpkg.RoleCustomer {
		return
	}
	if g.hub.RoomSize(prev.Key()) <= 1 {
		g.router.SetPresence(*prev, false)
	}
}

// clientLeft runs after the hub dropped a joined connection.
func (g *Gateway) clientLeft(client *websocketpkg.Client) {
	switch client.Role() {
	case websocketpkg.RoleAdmin:
		g.presence.AdminDisconnected(client.ID)
	case websocketpkg.RoleCustomer:
		id := client.Identity()
		if id != nil && g.hub.RoomSize(id.Key()) == 0 {
			g.router.SetPresence(*id, false)
		}
	}
}

func (g *Gateway) sender(client *websocketpkg.Client) (router.Sender, bool) {
	switch client.Role() {
	case websocketpkg.RoleAdmin:
		return router.Sender{Type: models.SenderAdmin, ID: client.AdminID()}, true
	case websocketpkg.RoleCustomer:
		return router.Sender{Type: models.SenderUser, Identity: client.Identity()}, true
	}
	client.SendError("send JOIN_CHAT first")
	return router.Sender{}, false
}

func (g *Gateway) processSendMessage(ctx context.Context, client *websocketpkg.Client, payload json.RawMessage) {
	var p models.SendMessagePayload
	if !decode(client, payload, &p) {
		return
	}
	sender, ok := g.sender(client)
	if !ok {
		return
	}
	if _, err := g.router.Send(ctx, sender, p); err != nil {
		g.reply(client, "send message", err)
		return
	}
	if sender.Type == models.SenderUser && p.Email != "" {
		client.AttachEmail(p.Email)
	}
}

// targetIdentity is the conversation an event applies to: the customer's
// own, or the one an admin names in the payload.
func (g *Gateway) targetIdentity(client *websocketpkg.Client, payload json.RawMessage) (models.Identity, bool) {
	switch client.Role() {
	case websocketpkg.RoleCustomer:
		return *client.Identity(), true
	case websocketpkg.RoleAdmin:
		var p models.IdentityPayload
		if !decode(client, payload, &p) {
			return models.Identity{}, false
		}
		if err := p.Identity.Validate(); err != nil {
			client.SendError(err.Error())
			return models.Identity{}, false
		}
		return p.Identity, true
	}
	client.SendError("send JOIN_CHAT first")
	return models.Identity{}, false
}

func (g *Gateway) processMarkRead(ctx context.Context, client *websocketpkg.Client, payload json.RawMessage) {
	if !g.requireAdmin(client) {
		return
	}
	id, ok := g.targetIdentity(client, payload)
	if !ok {
		return
	}
	if _, err := g.receipts.MarkRead(ctx, id); err != nil {
		g.reply(client, "mark read", err)
		return
	}
	g.router.BroadcastConversations()
}

func (g *Gateway) processTyping(client *websocketpkg.Client, payload json.RawMessage, typing bool) {
	sender, ok := g.sender(client)
	if !ok {
		return
	}
	id, ok := g.targetIdentity(client, payload)
	if !ok {
		return
	}
	g.router.Typing(sender, id, typing)
}

func (g *Gateway) processFetchHistory(ctx context.Context, client *websocketpkg.Client, payload json.RawMessage) {
	id, ok := g.targetIdentity(client, payload)
	if !ok {
		return
	}
	msgs, err := g.router.History(ctx, id)
	if err != nil {
		g.reply(client, "fetch history", err)
		return
	}
	_ = client.Send(models.EventChatHistory, models.HistoryPayload{Identity: id, Messages: msgs})
}

func (g *Gateway) processOpen(client *websocketpkg.Client, payload json.RawMessage) {
	if !g.requireAdmin(client) {
		return
	}
	if id, ok := g.targetIdentity(client, payload); ok {
		_, err := g.router.Open(id)
		g.reply(client, "open conversation", err)
	}
}

func (g *Gateway) processLeave(client *websocketpkg.Client, payload json.RawMessage) {
	if !g.requireAdmin(client) {
		return
	}
	var p models.LeavePayload
	if !decode(client, payload, &p) {
		return
	}
	if err := p.Identity.Validate(); err != nil {
		client.SendError(err.Error())
		return
	}
	_, err := g.router.Leave(p.Identity, p.ActivelyAnswering)
	g.reply(client, "leave conversation", err)
}

func (g *Gateway) processResolve(ctx context.Context, client *websocketpkg.Client, payload json.RawMessage) {
	if !g.requireAdmin(client) {
		return
	}
	if id, ok := g.targetIdentity(client, payload); ok {
		_, err := g.router.Resolve(ctx, id, client.AdminID())
		g.reply(client, "resolve conversation", err)
	}
}
