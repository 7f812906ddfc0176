package models

import (
	"fmt"
	"strings"
	"time"
)

// SenderType tells customer messages apart from agent replies.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAdmin SenderType = "admin"
)

// MaxAttachments is the number of files a single message may carry.
const MaxAttachments = 4

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Message is one immutable entry of a conversation. Only IsRead changes after creation.
type Message struct {
	ID          string       `json:"message_id"`
	Identifier  string       `json:"conversation"`
	SenderType  SenderType   `json:"sender_type"`
	SenderID    string       `json:"sender_id,omitempty"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Email       string       `json:"email,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	IsRead      bool         `json:"is_read"`
}

// Before reports whether m sorts ahead of other: created_at first, id as tie-break.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// ValidateContent rejects messages with neither text nor attachments.
func ValidateContent(body string, attachments []Attachment) error {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return fmt.Errorf("%w: message must contain text or an attachment", ErrValidation)
	}
	if len(attachments) > MaxAttachments {
		return fmt.Errorf("%w: at most %d attachments allowed, got %d", ErrValidation, MaxAttachments, len(attachments))
	}
	for _, a := range attachments {
		if a.URL == "" {
			return fmt.Errorf("%w: attachment %q has no url", ErrValidation, a.Name)
		}
	}
	return nil
}

// Preview is the one-line summary shown in conversation lists.
func (m Message) Preview() string {
	if body := strings.TrimSpace(m.Body); body != "" {
		return body
	}
	if len(m.Attachments) == 1 {
		return "[attachment] " + m.Attachments[0].Name
	}
	if len(m.Attachments) > 1 {
		return fmt.Sprintf("[%d attachments]", len(m.Attachments))
	}
	return ""
}
