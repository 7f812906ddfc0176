// Package receipts records that an agent has read a customer's messages.
package receipts

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/egor/ecochatserver/conversation"
	"github.com/egor/ecochatserver/database"
	"github.com/egor/ecochatserver/models"
)

// Tracker applies MARK_READ to the store and the conversation registry.
type Tracker struct {
	store    database.MessageStore
	registry *conversation.Registry
	log      *zap.Logger
}

func NewTracker(store database.MessageStore, registry *conversation.Registry, log *zap.Logger) *Tracker {
	return &Tracker{store: store, registry: registry, log: log}
}

// MarkRead flags every customer message of the conversation as read and
// zeroes its unread count. Repeating it changes nothing.
func (t *Tracker) MarkRead(ctx context.Context, identity models.Identity) (models.Conversation, error) {
	if err := identity.Validate(); err != nil {
		return models.Conversation{}, err
	}
	if err := t.store.MarkRead(ctx, identity); err != nil {
		return models.Conversation{}, fmt.Errorf("mark read %s: %w", identity.Key(), err)
	}
	conv, err := t.registry.Upsert(identity, conversation.Read{})
	if err != nil {
		return models.Conversation{}, err
	}
	t.log.Debug("conversation read", zap.String("conversation", conv.Identifier))
	return conv, nil
}
