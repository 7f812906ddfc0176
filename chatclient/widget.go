package chatclient

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/identity"
	"github.com/egor/ecochatserver/models"
)

// Widget is the storefront customer's chat: one conversation, an email gate
// for anonymous visitors and the agent-availability flag.
type Widget struct {
	mgr      *Manager
	resolver *identity.Resolver
	timeline *Timeline
	log      *zap.Logger

	mu          sync.Mutex
	pending     *models.SendMessagePayload
	adminOnline bool
	open        bool
	onMessage   func(models.Message)
}

// WidgetJoin is the JoinFunc for a customer connection.
func WidgetJoin(r *identity.Resolver) JoinFunc {
	return func() models.JoinPayload {
		id := r.Resolve()
		return models.JoinPayload{Identity: &id, Token: r.Token()}
	}
}

// NewWidget subscribes to mgr. Construct it before mgr.Connect so no event
// is missed.
func NewWidget(mgr *Manager, resolver *identity.Resolver, log *zap.Logger) *Widget {
	w := &Widget{mgr: mgr, resolver: resolver, timeline: NewTimeline(), log: log}

	mgr.On(models.EventNewMessage, func(raw json.RawMessage) {
		var p models.NewMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("bad NEW_MESSAGE payload", zap.Error(err))
			return
		}
		w.receive(p.ChatMessage)
	})
	mgr.On(models.EventChatHistory, func(raw json.RawMessage) {
		var p models.HistoryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("bad CHAT_HISTORY payload", zap.Error(err))
			return
		}
		w.timeline.Merge(p.Messages)
		w.markSeen()
	})
	mgr.On(models.EventAdminOnline, func(json.RawMessage) { w.setAdminOnline(true) })
	mgr.On(models.EventAdminOffline, func(json.RawMessage) { w.setAdminOnline(false) })
	// reconcile anything missed while the connection was down
	mgr.OnState(func(s State) {
		if s == StateConnected {
			if err := mgr.Send(models.EventFetchHistory, struct{}{}); err != nil {
				log.Debug("history fetch not sent", zap.Error(err))
			}
		}
	})
	return w
}

func (w *Widget) receive(m models.Message) {
	if err := w.timeline.Insert(m); err != nil {
		return
	}
	w.markSeen()

	w.mu.Lock()
	fn := w.onMessage
	w.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// markSeen flags agent replies read while the widget is open. Nothing is
// sent back to the server.
func (w *Widget) markSeen() {
	w.mu.Lock()
	open := w.open
	w.mu.Unlock()
	if open {
		w.timeline.MarkRead(models.SenderAdmin)
	}
}

func (w *Widget) setAdminOnline(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adminOnline = v
}

// AdminOnline reports whether any agent is connected.
func (w *Widget) AdminOnline() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.adminOnline
}

// SetOpen records whether the chat panel is visible.
func (w *Widget) SetOpen(open bool) {
	w.mu.Lock()
	w.open = open
	w.mu.Unlock()
	if open {
		w.timeline.MarkRead(models.SenderAdmin)
	}
}

// OnMessage sets the callback for each newly received message.
func (w *Widget) OnMessage(fn func(models.Message)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = fn
}

// Messages returns the conversation in display order.
func (w *Widget) Messages() []models.Message { return w.timeline.Messages() }

// Send submits a customer message and returns its id. An anonymous visitor
// without an email gets models.ErrEmailRequired; the message is held and
// goes out on SubmitEmail.
func (w *Widget) Send(body string, attachments []models.Attachment) (string, error) {
	if err := models.ValidateContent(body, attachments); err != nil {
		return "", err
	}
	p := models.SendMessagePayload{
		MessageID:   uuid.NewString(),
		Message:     body,
		Attachments: attachments,
		SenderType:  models.SenderUser,
	}

	id := w.resolver.Resolve()
	if id.IsAnonymous() && id.Email == "" {
		w.mu.Lock()
		w.pending = &p
		w.mu.Unlock()
		return p.MessageID, models.ErrEmailRequired
	}
	return p.MessageID, w.send(id, p)
}

func (w *Widget) send(id models.Identity, p models.SendMessagePayload) error {
	p.UserID, p.SessionID, p.Email = id.UserID, id.SessionID, id.Email
	return w.mgr.Send(models.EventSendMessage, p)
}

// Pending reports whether a message is waiting for an email.
func (w *Widget) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

// SubmitEmail captures the visitor's email and sends the held message.
// On a send failure the message stays held.
func (w *Widget) SubmitEmail(email string) error {
	id, err := w.resolver.CaptureEmail(email)
	if err != nil {
		return err
	}

	w.mu.Lock()
	p := w.pending
	w.mu.Unlock()
	if p == nil {
		return nil
	}
	if err := w.send(id, *p); err != nil {
		return err
	}

	w.mu.Lock()
	if w.pending == p {
		w.pending = nil
	}
	w.mu.Unlock()
	return nil
}

// Typing tells agents the customer is typing.
func (w *Widget) Typing(typing bool) error {
	event := models.EventTypingStop
	if typing {
		event = models.EventTypingStart
	}
	return w.mgr.Send(event, models.IdentityPayload{Identity: w.resolver.Resolve()})
}
