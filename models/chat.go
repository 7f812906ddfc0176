package models

import "time"

// ConversationStatus is the agent-facing state of a conversation.
type ConversationStatus string

const (
	StatusUnread     ConversationStatus = "unread"
	StatusUnanswered ConversationStatus = "unanswered"
	StatusAnswered   ConversationStatus = "answered"
	StatusResolved   ConversationStatus = "resolved"
)

// Conversation is the thread summary kept for one identity.
type Conversation struct {
	Identifier       string             `json:"identifier"`
	Identity         Identity           `json:"identity"`
	CustomerName     string             `json:"customer_name"`
	CustomerInitials string             `json:"customer_initials"`
	LastMessage      string             `json:"last_message"`
	LastSender       SenderType         `json:"last_sender,omitempty"`
	LastTimestamp    time.Time          `json:"last_timestamp"`
	UnreadCount      int                `json:"unread_count"`
	IsOnline         bool               `json:"is_online"`
	Status           ConversationStatus `json:"status"`
}
