// Package database holds the durable message and template stores the chat
// engine talks to.
package database

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/egor/ecochatserver/models"
)

const dbQueryTimeout = 5 * time.Second

// ErrNotFound is returned when a template id does not exist.
var ErrNotFound = errors.New("not found")

// MessageStore durably records messages and returns ordered history.
type MessageStore interface {
	// SaveMessage stores m; an id already stored yields models.ErrDuplicateMessage.
	SaveMessage(ctx context.Context, m models.Message) error
	// FetchHistory returns the conversation ordered by created_at, then id.
	FetchHistory(ctx context.Context, identity models.Identity) ([]models.Message, error)
	MarkRead(ctx context.Context, identity models.Identity) error
	MarkResolved(ctx context.Context, identity models.Identity, agentID string) error
	// Conversations returns every stored conversation, ordered by identifier.
	Conversations(ctx context.Context) ([]ConversationRecord, error)
}

// ConversationRecord is the stored trail of one conversation, enough to
// rebuild its state after a restart.
type ConversationRecord struct {
	Identifier string
	// Messages are ordered by created_at, then id.
	Messages []models.Message
	// Resolutions are the times the conversation was resolved, oldest first.
	Resolutions []time.Time
}

// groupRecords folds messages and resolution times into per-conversation records.
func groupRecords(msgs []models.Message, resolutions map[string][]time.Time) []ConversationRecord {
	byID := make(map[string]*ConversationRecord)
	get := func(identifier string) *ConversationRecord {
		rec, ok := byID[identifier]
		if !ok {
			rec = &ConversationRecord{Identifier: identifier}
			byID[identifier] = rec
		}
		return rec
	}
	for _, m := range msgs {
		rec := get(m.Identifier)
		rec.Messages = append(rec.Messages, m)
	}
	for identifier, ts := range resolutions {
		rec := get(identifier)
		rec.Resolutions = append(rec.Resolutions, ts...)
	}

	out := make([]ConversationRecord, 0, len(byID))
	for _, rec := range byID {
		sortMessages(rec.Messages)
		sort.Slice(rec.Resolutions, func(i, j int) bool { return rec.Resolutions[i].Before(rec.Resolutions[j]) })
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// TemplateStore is CRUD over auto-reply templates.
type TemplateStore interface {
	ListTemplates(ctx context.Context) ([]models.Template, error)
	GetTemplate(ctx context.Context, id int64) (models.Template, error)
	CreateTemplate(ctx context.Context, t models.Template) (models.Template, error)
	UpdateTemplate(ctx context.Context, t models.Template) (models.Template, error)
	DeleteTemplate(ctx context.Context, id int64) error
}

// Store is what the server needs from a backend.
type Store interface {
	MessageStore
	TemplateStore
	Close() error
}
