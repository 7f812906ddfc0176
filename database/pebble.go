package database

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/models"
)

// Key layout:
//
//	msg:<len>:<conversation>:<unix_nano_padded>:<id>  -> message JSON
//	msgid:<id>                                        -> primary message key
//	res:<len>:<conversation>:<unix_nano_padded>       -> resolution JSON
//	tmpl:<id_padded>                                  -> template JSON
//	seq:tmpl                                          -> last template id
//
// <len> is the byte length of the conversation identifier, so one
// conversation's prefix never covers another whose identifier extends it.
const (
	prefixMessage    = "msg:"
	prefixMessageID  = "msgid:"
	prefixResolution = "res:"
	prefixTemplate   = "tmpl:"
	keyTemplateSeq   = "seq:tmpl"
)

// Pebble is an embedded Store for single-node deployments.
type Pebble struct {
	// mu serializes read-modify-write sequences; pebble has no transactions.
	mu  sync.Mutex
	db  *pebble.DB
	log *zap.Logger
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string, log *zap.Logger) (*Pebble, error) {
	log.Info("opening pebble store", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	return &Pebble{db: db, log: log}, nil
}

// Close closes the database.
func (p *Pebble) Close() error {
	if err := p.db.Close(); err != nil {
		return err
	}
	p.log.Info("pebble store closed")
	return nil
}

func scopedPrefix(prefix, identifier string) string {
	return fmt.Sprintf("%s%d:%s:", prefix, len(identifier), identifier)
}

func messageKey(m models.Message) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", scopedPrefix(prefixMessage, m.Identifier), m.CreatedAt.UnixNano(), m.ID))
}

func conversationPrefix(identifier string) []byte {
	return []byte(scopedPrefix(prefixMessage, identifier))
}

type resolutionRecord struct {
	Conversation string    `json:"conversation"`
	AgentID      string    `json:"agent_id"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *Pebble) get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *Pebble) SaveMessage(_ context.Context, m models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idKey := []byte(prefixMessageID + m.ID)
	if _, err := p.get(idKey); err == nil {
		return models.ErrDuplicateMessage
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("lookup message id: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := messageKey(m)

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	if err := b.Set(idKey, key, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (p *Pebble) scanConversation(identifier string, fn func(key []byte, m models.Message) error) error {
	return p.scanMessages(conversationPrefix(identifier), fn)
}

func (p *Pebble) scanMessages(prefix []byte, fn func(key []byte, m models.Message) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			p.log.Warn("skipping undecodable message", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		if err := fn(append([]byte(nil), iter.Key()...), m); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *Pebble) FetchHistory(_ context.Context, identity models.Identity) ([]models.Message, error) {
	var out []models.Message
	err := p.scanConversation(identity.Key(), func(_ []byte, m models.Message) error {
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	// keys sort by padded nanos then id, which matches Message.Before
	return out, nil
}

func (p *Pebble) MarkRead(_ context.Context, identity models.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()
	dirty := 0
	err := p.scanConversation(identity.Key(), func(key []byte, m models.Message) error {
		if m.SenderType != models.SenderUser || m.IsRead {
			return nil
		}
		m.IsRead = true
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		dirty++
		return b.Set(key, data, nil)
	})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if dirty == 0 {
		return nil
	}
	return b.Commit(pebble.Sync)
}

func (p *Pebble) MarkResolved(_ context.Context, identity models.Identity, agentID string) error {
	rec := resolutionRecord{Conversation: identity.Key(), AgentID: agentID, ResolvedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	key := fmt.Sprintf("%s%020d", scopedPrefix(prefixResolution, rec.Conversation), rec.ResolvedAt.UnixNano())
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	return nil
}

func (p *Pebble) Conversations(context.Context) ([]ConversationRecord, error) {
	var msgs []models.Message
	err := p.scanMessages([]byte(prefixMessage), func(_ []byte, m models.Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}

	prefix := []byte(prefixResolution)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	resolved := make(map[string][]time.Time)
	for iter.First(); iter.Valid(); iter.Next() {
		var rec resolutionRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			p.log.Warn("skipping undecodable resolution", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		resolved[rec.Conversation] = append(resolved[rec.Conversation], rec.ResolvedAt)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan resolutions: %w", err)
	}
	return groupRecords(msgs, resolved), nil
}

func templateKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixTemplate, id))
}

func (p *Pebble) ListTemplates(context.Context) ([]models.Template, error) {
	prefix := []byte(prefixTemplate)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Template
	for iter.First(); iter.Valid(); iter.Next() {
		var t models.Template
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode template: %w", err)
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

func (p *Pebble) GetTemplate(_ context.Context, id int64) (models.Template, error) {
	v, err := p.get(templateKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return models.Template{}, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Template{}, err
	}
	var t models.Template
	if err := json.Unmarshal(v, &t); err != nil {
		return models.Template{}, fmt.Errorf("decode template: %w", err)
	}
	return t, nil
}

func (p *Pebble) putTemplate(b *pebble.Batch, t models.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Set(templateKey(t.ID), data, nil)
}

func (p *Pebble) CreateTemplate(_ context.Context, t models.Template) (models.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var last int64
	if v, err := p.get([]byte(keyTemplateSeq)); err == nil && len(v) == 8 {
		last = int64(binary.BigEndian.Uint64(v))
	} else if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return models.Template{}, err
	}

	now := time.Now().UTC()
	t.ID = last + 1
	t.Keywords = normalizeKeywords(t.Keywords)
	t.CreatedAt, t.UpdatedAt = now, now

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, uint64(t.ID))

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(keyTemplateSeq), seq, nil); err != nil {
		return models.Template{}, err
	}
	if err := p.putTemplate(b, t); err != nil {
		return models.Template{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return models.Template{}, fmt.Errorf("create template: %w", err)
	}
	return t, nil
}

func (p *Pebble) UpdateTemplate(ctx context.Context, t models.Template) (models.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.GetTemplate(ctx, t.ID)
	if err != nil {
		return models.Template{}, err
	}
	t.Keywords = normalizeKeywords(t.Keywords)
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	b := p.db.NewBatch()
	defer b.Close()
	if err := p.putTemplate(b, t); err != nil {
		return models.Template{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return models.Template{}, fmt.Errorf("update template: %w", err)
	}
	return t, nil
}

func (p *Pebble) DeleteTemplate(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.GetTemplate(ctx, id); err != nil {
		return err
	}
	if err := p.db.Delete(templateKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}
