package chatclient

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/models"
)

// ErrNoConversation is returned by console actions with nothing open.
var ErrNoConversation = errors.New("no conversation open")

// AdminJoin is the JoinFunc for an agent connection.
func AdminJoin(token string) JoinFunc {
	return func() models.JoinPayload {
		return models.JoinPayload{IsAdmin: true, Token: token}
	}
}

// Console is the agent's view: the conversation list, one open conversation
// and the template suggestions for it.
type Console struct {
	mgr *Manager
	log *zap.Logger

	mu            sync.Mutex
	conversations []models.Conversation
	timelines     map[string]*Timeline
	suggestions   map[string][]models.Template
	open          *models.Identity
	drafting      bool
}

func NewConsole(mgr *Manager, log *zap.Logger) *Console {
	c := &Console{
		mgr:         mgr,
		log:         log,
		timelines:   make(map[string]*Timeline),
		suggestions: make(map[string][]models.Template),
	}

	mgr.On(models.EventConversationsList, func(raw json.RawMessage) {
		var p models.ConversationsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("bad CONVERSATIONS_LIST payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.conversations = p.Conversations
		c.mu.Unlock()
	})
	mgr.On(models.EventNewMessage, func(raw json.RawMessage) {
		var p models.NewMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("bad NEW_MESSAGE payload", zap.Error(err))
			return
		}
		_ = c.timeline(p.ChatMessage.Identifier).Insert(p.ChatMessage)
	})
	mgr.On(models.EventChatHistory, func(raw json.RawMessage) {
		var p models.HistoryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("bad CHAT_HISTORY payload", zap.Error(err))
			return
		}
		c.timeline(p.Identity.Key()).Merge(p.Messages)
	})
	mgr.On(models.EventTemplateSuggestions, func(raw json.RawMessage) {
		var p models.SuggestionsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("bad TEMPLATE_SUGGESTIONS payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.suggestions[p.Identity.Key()] = p.Templates
		c.mu.Unlock()
	})
	return c
}

func (c *Console) timeline(identifier string) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timelines[identifier]
	if !ok {
		t = NewTimeline()
		c.timelines[identifier] = t
	}
	return t
}

// Conversations is the last list the server pushed.
func (c *Console) Conversations() []models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Conversation(nil), c.conversations...)
}

// Messages returns the known messages of a conversation.
func (c *Console) Messages(identifier string) []models.Message {
	return c.timeline(identifier).Messages()
}

// Suggestions returns the templates proposed for the latest customer message.
func (c *Console) Suggestions(identifier string) []models.Template {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Template(nil), c.suggestions[identifier]...)
}

// Open views a conversation, leaving any other one first, and fetches its history.
func (c *Console) Open(id models.Identity) error {
	c.mu.Lock()
	prev := c.open
	c.mu.Unlock()
	if prev != nil && prev.Key() != id.Key() {
		if err := c.Leave(); err != nil {
			return err
		}
	}

	if err := c.mgr.Send(models.EventOpenConversation, models.IdentityPayload{Identity: id}); err != nil {
		return err
	}
	c.mu.Lock()
	c.open, c.drafting = &id, false
	c.mu.Unlock()
	return c.mgr.Send(models.EventFetchHistory, models.IdentityPayload{Identity: id})
}

// SetDrafting records whether the agent is composing a reply.
func (c *Console) SetDrafting(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drafting = v
}

func (c *Console) current() (models.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return models.Identity{}, ErrNoConversation
	}
	return *c.open, nil
}

// Leave closes the open conversation view.
func (c *Console) Leave() error {
	c.mu.Lock()
	open, drafting := c.open, c.drafting
	c.mu.Unlock()
	if open == nil {
		return ErrNoConversation
	}
	if err := c.mgr.Send(models.EventLeaveConversation, models.LeavePayload{Identity: *open, ActivelyAnswering: drafting}); err != nil {
		return err
	}
	c.mu.Lock()
	if c.open == open {
		c.open, c.drafting = nil, false
	}
	c.mu.Unlock()
	return nil
}

// Reply sends an agent message into the open conversation.
func (c *Console) Reply(body string, attachments []models.Attachment) (string, error) {
	id, err := c.current()
	if err != nil {
		return "", err
	}
	if err := models.ValidateContent(body, attachments); err != nil {
		return "", err
	}
	p := models.SendMessagePayload{
		MessageID:   uuid.NewString(),
		Message:     body,
		Attachments: attachments,
		SenderType:  models.SenderAdmin,
		UserID:      id.UserID,
		SessionID:   id.SessionID,
	}
	if err := c.mgr.Send(models.EventSendMessage, p); err != nil {
		return "", err
	}
	c.SetDrafting(false)
	return p.MessageID, nil
}

// UseTemplate returns the template body as a draft for the open conversation.
func (c *Console) UseTemplate(t models.Template) (string, error) {
	if _, err := c.current(); err != nil {
		return "", err
	}
	c.SetDrafting(true)
	return t.Body, nil
}

// MarkRead clears the open conversation's unread count.
func (c *Console) MarkRead() error {
	id, err := c.current()
	if err != nil {
		return err
	}
	return c.mgr.Send(models.EventMarkRead, models.IdentityPayload{Identity: id})
}

// Resolve closes the open conversation.
func (c *Console) Resolve() error {
	id, err := c.current()
	if err != nil {
		return err
	}
	return c.mgr.Send(models.EventMarkResolved, models.IdentityPayload{Identity: id})
}

// Typing relays the agent's typing state to the customer.
func (c *Console) Typing(typing bool) error {
	id, err := c.current()
	if err != nil {
		return err
	}
	event := models.EventTypingStop
	if typing {
		event = models.EventTypingStart
	}
	return c.mgr.Send(event, models.IdentityPayload{Identity: id})
}
