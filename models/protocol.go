package models

import "encoding/json"

// Client → server events.
const (
	EventJoinChat          = "JOIN_CHAT"
	EventSendMessage       = "SEND_MESSAGE"
	EventMarkRead          = "MARK_READ"
	EventTypingStart       = "TYPING_START"
	EventTypingStop        = "TYPING_STOP"
	EventFetchHistory      = "FETCH_HISTORY"
	EventOpenConversation  = "OPEN_CONVERSATION"
	EventLeaveConversation = "LEAVE_CONVERSATION"
	EventMarkResolved      = "MARK_RESOLVED"
)

// Server → client events.
const (
	EventNewMessage          = "NEW_MESSAGE"
	EventConversationsList   = "CONVERSATIONS_LIST"
	EventAdminOnline         = "ADMIN_ONLINE"
	EventAdminOffline        = "ADMIN_OFFLINE"
	EventError               = "ERROR"
	EventTyping              = "TYPING"
	EventChatHistory         = "CHAT_HISTORY"
	EventTemplateSuggestions = "TEMPLATE_SUGGESTIONS"
)

// Envelope is the frame every event travels in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload opens a room: a customer identity, or the admin flag with a token.
type JoinPayload struct {
	Identity *Identity `json:"identity,omitempty"`
	IsAdmin  bool      `json:"isAdmin,omitempty"`
	Token    string    `json:"token,omitempty"`
}

// SendMessagePayload is an outbound chat message. Agents address the
// conversation through UserID or SessionID.
type SendMessagePayload struct {
	MessageID   string       `json:"message_id,omitempty"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
	SenderType  SenderType   `json:"sender_type"`
	UserID      string       `json:"user_id,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Email       string       `json:"email,omitempty"`
}

// Target resolves the conversation identity the payload addresses.
func (p SendMessagePayload) Target() (Identity, error) {
	var id Identity
	switch {
	case p.UserID != "":
		id = Identity{Kind: IdentityUser, UserID: p.UserID, Email: p.Email}
	case p.SessionID != "":
		id = AnonymousIdentity(p.SessionID, p.Email)
	}
	return id, id.Validate()
}

// IdentityPayload carries the identity an action applies to.
type IdentityPayload struct {
	Identity Identity `json:"identity"`
}

// LeavePayload is sent when an agent closes a conversation view.
type LeavePayload struct {
	Identity          Identity `json:"identity"`
	ActivelyAnswering bool     `json:"activelyAnswering"`
}

// NewMessagePayload wraps a delivered chat message.
type NewMessagePayload struct {
	ChatMessage Message `json:"chatMessage"`
}

// ConversationsPayload is the admin conversation list.
type ConversationsPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// HistoryPayload answers FETCH_HISTORY.
type HistoryPayload struct {
	Identity Identity  `json:"identity"`
	Messages []Message `json:"messages"`
}

// TypingPayload relays a typing indicator to the other side.
type TypingPayload struct {
	Identity   Identity   `json:"identity"`
	SenderType SenderType `json:"sender_type"`
	IsTyping   bool       `json:"isTyping"`
}

// SuggestionsPayload lists templates matching a customer message.
type SuggestionsPayload struct {
	Identity  Identity   `json:"identity"`
	MessageID string     `json:"message_id"`
	Templates []Template `json:"templates"`
}

// ErrorPayload is delivered with EventError.
type ErrorPayload struct {
	Message string `json:"message"`
}
