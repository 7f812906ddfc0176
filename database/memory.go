package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/egor/ecochatserver/models"
)

type resolution struct {
	agentID string
	at      time.Time
}

// Memory is a process-local Store used in tests and development.
type Memory struct {
	mu          sync.RWMutex
	messages    map[string][]models.Message
	ids         map[string]struct{}
	resolutions map[string][]resolution
	templates   map[int64]models.Template
	nextID      int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:    make(map[string][]models.Message),
		ids:         make(map[string]struct{}),
		resolutions: make(map[string][]resolution),
		templates:   make(map[int64]models.Template),
	}
}

func (s *Memory) SaveMessage(_ context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[m.ID]; ok {
		return models.ErrDuplicateMessage
	}
	s.ids[m.ID] = struct{}{}
	s.messages[m.Identifier] = append(s.messages[m.Identifier], m)
	return nil
}

func (s *Memory) FetchHistory(_ context.Context, identity models.Identity) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.Message(nil), s.messages[identity.Key()]...)
	sortMessages(out)
	return out, nil
}

func (s *Memory) MarkRead(_ context.Context, identity models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[identity.Key()]
	for i := range msgs {
		if msgs[i].SenderType == models.SenderUser {
			msgs[i].IsRead = true
		}
	}
	return nil
}

func (s *Memory) MarkResolved(_ context.Context, identity models.Identity, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions[identity.Key()] = append(s.resolutions[identity.Key()], resolution{agentID: agentID, at: time.Now().UTC()})
	return nil
}

// Resolutions returns the agents that resolved the conversation, oldest first.
func (s *Memory) Resolutions(identity models.Identity) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, r := range s.resolutions[identity.Key()] {
		out = append(out, r.agentID)
	}
	return out
}

func (s *Memory) Conversations(context.Context) ([]ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []models.Message
	for _, ms := range s.messages {
		msgs = append(msgs, ms...)
	}
	resolved := make(map[string][]time.Time, len(s.resolutions))
	for identifier, rs := range s.resolutions {
		for _, r := range rs {
			resolved[identifier] = append(resolved[identifier], r.at)
		}
	}
	return groupRecords(msgs, resolved), nil
}

func (s *Memory) ListTemplates(context.Context) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) GetTemplate(_ context.Context, id int64) (models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return models.Template{}, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Memory) CreateTemplate(_ context.Context, t models.Template) (models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now().UTC()
	t.ID = s.nextID
	t.Keywords = normalizeKeywords(t.Keywords)
	t.CreatedAt, t.UpdatedAt = now, now
	s.templates[t.ID] = t
	return t, nil
}

func (s *Memory) UpdateTemplate(_ context.Context, t models.Template) (models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.templates[t.ID]
	if !ok {
		return models.Template{}, fmt.Errorf("template %d: %w", t.ID, ErrNotFound)
	}
	t.Keywords = normalizeKeywords(t.Keywords)
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.templates[t.ID] = t
	return t, nil
}

func (s *Memory) DeleteTemplate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	delete(s.templates, id)
	return nil
}

func (s *Memory) Close() error { return nil }
