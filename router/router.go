// Package router accepts chat messages and agent actions, persists them and
// fans the results out to the customer room and the admin set.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/conversation"
	"github.com/egor/ecochatserver/database"
	"github.com/egor/ecochatserver/metrics"
	"github.com/egor/ecochatserver/models"
)

// Fanout delivers events to connected clients.
type Fanout interface {
	// SendToRoom delivers to every connection joined under a conversation identifier.
	SendToRoom(identifier, event string, payload any)
	// SendToAdmins delivers to every admin connection.
	SendToAdmins(event string, payload any)
}

// Matcher proposes templates for a customer message.
type Matcher interface {
	Match(text string) []models.Template
}

// Sender is who submitted a message.
type Sender struct {
	Type models.SenderType
	// ID is the admin id for agents; empty for customers.
	ID string
	// Identity is set for customers and is the conversation they write into.
	Identity *models.Identity
}

// Router is the server half of message routing.
type Router struct {
	store    database.MessageStore
	registry *conversation.Registry
	fanout   Fanout
	matcher  Matcher
	log      *zap.Logger
	now      func() time.Time
}

func New(store database.MessageStore, registry *conversation.Registry, fanout Fanout, matcher Matcher, log *zap.Logger) *Router {
	return &Router{
		store:    store,
		registry: registry,
		fanout:   fanout,
		matcher:  matcher,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send validates, stores and delivers one message. A message id already
// stored is absorbed: nothing is stored or delivered, and the call succeeds
// returning the rejected copy, not the stored message.
func (r *Router) Send(ctx context.Context, sender Sender, p models.SendMessagePayload) (models.Message, error) {
	if err := models.ValidateContent(p.Message, p.Attachments); err != nil {
		return models.Message{}, err
	}

	target, err := r.target(sender, p)
	if err != nil {
		return models.Message{}, err
	}

	id := p.MessageID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return models.Message{}, fmt.Errorf("%w: message_id must be a uuid", models.ErrValidation)
	}

	msg := models.Message{
		ID:          id,
		Identifier:  target.Key(),
		SenderType:  sender.Type,
		SenderID:    sender.ID,
		Body:        p.Message,
		Attachments: p.Attachments,
		CreatedAt:   r.now(),
	}
	if sender.Type == models.SenderUser {
		msg.Email = target.Email
	}

	start := time.Now()
	err = r.store.SaveMessage(ctx, msg)
	metrics.StoreLatency.WithLabelValues("save").Observe(time.Since(start).Seconds())
	if errors.Is(err, models.ErrDuplicateMessage) {
		metrics.DuplicateMessages.Inc()
		r.log.Debug("duplicate message absorbed", zap.String("message_id", id))
		return msg, nil
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("save message: %w", err)
	}
	metrics.Messages.WithLabelValues(string(sender.Type)).Inc()

	var delta conversation.Delta = conversation.AgentMessage{Message: msg}
	if sender.Type == models.SenderUser {
		delta = conversation.CustomerMessage{Message: msg}
	}
	if _, err := r.registry.Upsert(target, delta); err != nil {
		return models.Message{}, err
	}

	payload := models.NewMessagePayload{ChatMessage: msg}
	r.fanout.SendToRoom(msg.Identifier, models.EventNewMessage, payload)
	r.fanout.SendToAdmins(models.EventNewMessage, payload)
	r.BroadcastConversations()

	if sender.Type == models.SenderUser && r.matcher != nil {
		if ts := r.matcher.Match(msg.Body); len(ts) > 0 {
			metrics.TemplateSuggestions.Inc()
			r.fanout.SendToAdmins(models.EventTemplateSuggestions, models.SuggestionsPayload{
				Identity:  target,
				MessageID: msg.ID,
				Templates: ts,
			})
		}
	}
	return msg, nil
}

// target resolves the conversation a message belongs to. Customers always
// write into their own conversation; agents address one explicitly.
func (r *Router) target(sender Sender, p models.SendMessagePayload) (models.Identity, error) {
	switch sender.Type {
	case models.SenderUser:
		if sender.Identity == nil {
			return models.Identity{}, fmt.Errorf("%w: customer has not joined a conversation", models.ErrValidation)
		}
		id := *sender.Identity
		if p.Email != "" {
			addr, err := models.ValidateEmail(p.Email)
			if err != nil {
				return models.Identity{}, err
			}
			id.Email = addr
		}
		if id.IsAnonymous() && id.Email == "" {
			return models.Identity{}, models.ErrEmailRequired
		}
		return id, id.Validate()
	case models.SenderAdmin:
		id, err := p.Target()
		if err != nil {
			return models.Identity{}, err
		}
		conv, ok := r.registry.Get(id.Key())
		if !ok {
			return models.Identity{}, fmt.Errorf("%s: %w", id.Key(), models.ErrUnknownConversation)
		}
		return conv.Identity, nil
	}
	return models.Identity{}, fmt.Errorf("%w: unknown sender type %q", models.ErrValidation, sender.Type)
}

// Restore rebuilds conversation state from the store and returns how many
// conversations are visible afterwards. Run it once, before any connection
// is served. Online flags and agent view state start cleared.
func (r *Router) Restore(ctx context.Context) (int, error) {
	recs, err := r.store.Conversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore conversations: %w", err)
	}
	restored := 0
	for _, rec := range recs {
		if len(rec.Messages) == 0 {
			continue
		}
		id, err := models.ParseIdentifier(rec.Identifier)
		if err != nil {
			r.log.Warn("skipping stored conversation", zap.String("conversation", rec.Identifier), zap.Error(err))
			continue
		}
		if r.replay(id, rec) {
			restored++
		}
	}
	return restored, nil
}

// replay feeds a stored conversation through the same deltas live traffic
// produces. MarkRead flags every customer message stored so far, so a read
// message is followed by a Read delta.
func (r *Router) replay(id models.Identity, rec database.ConversationRecord) bool {
	visible := false
	apply := func(d conversation.Delta) {
		if _, err := r.registry.Upsert(id, d); err == nil {
			visible = true
		}
	}

	resolutions := rec.Resolutions
	for _, m := range rec.Messages {
		for len(resolutions) > 0 && !resolutions[0].After(m.CreatedAt) {
			apply(conversation.Resolved{})
			resolutions = resolutions[1:]
		}
		if m.SenderType != models.SenderUser {
			apply(conversation.AgentMessage{Message: m})
			continue
		}
		if m.Email != "" {
			id.Email = m.Email
		}
		apply(conversation.CustomerMessage{Message: m})
		if m.IsRead {
			apply(conversation.Read{})
		}
	}
	for range resolutions {
		apply(conversation.Resolved{})
	}
	return visible
}

// History returns the stored messages of a conversation in order.
func (r *Router) History(ctx context.Context, identity models.Identity) ([]models.Message, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	msgs, err := r.store.FetchHistory(ctx, identity)
	metrics.StoreLatency.WithLabelValues("history").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", identity.Key(), err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// Open records that an agent is viewing the conversation.
func (r *Router) Open(identity models.Identity) (models.Conversation, error) {
	return r.apply(identity, conversation.Viewed{})
}

// Leave records that the agent closed the conversation view.
func (r *Router) Leave(identity models.Identity, activelyAnswering bool) (models.Conversation, error) {
	return r.apply(identity, conversation.Left{ActivelyAnswering: activelyAnswering})
}

// Resolve closes the conversation until the customer writes again.
func (r *Router) Resolve(ctx context.Context, identity models.Identity, agentID string) (models.Conversation, error) {
	if err := identity.Validate(); err != nil {
		return models.Conversation{}, err
	}
	if _, ok := r.registry.Get(identity.Key()); !ok {
		return models.Conversation{}, fmt.Errorf("%s: %w", identity.Key(), models.ErrUnknownConversation)
	}
	if err := r.store.MarkResolved(ctx, identity, agentID); err != nil {
		return models.Conversation{}, fmt.Errorf("resolve %s: %w", identity.Key(), err)
	}
	return r.apply(identity, conversation.Resolved{})
}

func (r *Router) apply(identity models.Identity, d conversation.Delta) (models.Conversation, error) {
	conv, err := r.registry.Upsert(identity, d)
	if err != nil {
		return models.Conversation{}, err
	}
	r.BroadcastConversations()
	return conv, nil
}

// Typing relays a typing indicator to the other side of the conversation.
func (r *Router) Typing(sender Sender, identity models.Identity, typing bool) {
	p := models.TypingPayload{Identity: identity, SenderType: sender.Type, IsTyping: typing}
	if sender.Type == models.SenderAdmin {
		r.fanout.SendToRoom(identity.Key(), models.EventTyping, p)
		return
	}
	r.fanout.SendToAdmins(models.EventTyping, p)
}

// Conversations is the admin list for a view.
func (r *Router) Conversations(filter conversation.Filter) []models.Conversation {
	return r.registry.List(filter)
}

// BroadcastConversations pushes the default admin list to every admin.
func (r *Router) BroadcastConversations() {
	r.fanout.SendToAdmins(models.EventConversationsList, models.ConversationsPayload{
		Conversations: r.registry.List(conversation.FilterChat),
	})
}

// SetPresence records a customer's own connectivity. Admins get a fresh list
// only when the conversation is visible.
func (r *Router) SetPresence(identity models.Identity, online bool) {
	if _, err := r.registry.Upsert(identity, conversation.Presence{Online: online}); err != nil {
		if !errors.Is(err, models.ErrUnknownConversation) {
			r.log.Warn("presence update failed", zap.String("conversation", identity.Key()), zap.Error(err))
		}
		return
	}
	r.BroadcastConversations()
}
