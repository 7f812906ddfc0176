package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/conversation"
	"github.com/egor/ecochatserver/models"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownConversation):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (g *Gateway) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.log.Error(op+" failed", zap.Error(err))
		c.JSON(status, gin.H{"error": op + " failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ListConversations returns one admin view: ?view=chat|unread|resolved.
func (g *Gateway) ListConversations(c *gin.Context) {
	filter := conversation.ParseFilter(c.DefaultQuery("view", string(conversation.FilterChat)))
	c.JSON(http.StatusOK, models.ConversationsPayload{Conversations: g.router.Conversations(filter)})
}

func (g *Gateway) identityParam(c *gin.Context) (models.Identity, bool) {
	id, err := models.ParseIdentifier(c.Param("identifier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.Identity{}, false
	}
	return id, true
}

// GetMessages returns the ordered history of a conversation.
func (g *Gateway) GetMessages(c *gin.Context) {
	id, ok := g.identityParam(c)
	if !ok {
		return
	}
	msgs, err := g.router.History(c.Request.Context(), id)
	if err != nil {
		g.fail(c, "fetch history", err)
		return
	}
	c.JSON(http.StatusOK, models.HistoryPayload{Identity: id, Messages: msgs})
}

// MarkRead clears the unread count of a conversation.
func (g *Gateway) MarkRead(c *gin.Context) {
	id, ok := g.identityParam(c)
	if !ok {
		return
	}
	conv, err := g.receipts.MarkRead(c.Request.Context(), id)
	if err != nil {
		g.fail(c, "mark read", err)
		return
	}
	g.router.BroadcastConversations()
	c.JSON(http.StatusOK, conv)
}

// Resolve closes a conversation on behalf of the calling agent.
func (g *Gateway) Resolve(c *gin.Context) {
	id, ok := g.identityParam(c)
	if !ok {
		return
	}
	conv, err := g.router.Resolve(c.Request.Context(), id, c.GetString("adminID"))
	if err != nil {
		g.fail(c, "resolve", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
