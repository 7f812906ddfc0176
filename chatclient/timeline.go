package chatclient

import (
	"sort"
	"sync"

	"github.com/egor/ecochatserver/models"
)

// Timeline is the receiving side of one conversation: messages kept in
// (created_at, message_id) order with each id applied once.
type Timeline struct {
	mu   sync.RWMutex
	seen map[string]struct{}
	msgs []models.Message
}

func NewTimeline() *Timeline {
	return &Timeline{seen: make(map[string]struct{})}
}

// Insert places m in order. A repeated id returns models.ErrDuplicateMessage
// and changes nothing.
func (t *Timeline) Insert(m models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(m)
}

func (t *Timeline) insertLocked(m models.Message) error {
	if _, ok := t.seen[m.ID]; ok {
		return models.ErrDuplicateMessage
	}
	t.seen[m.ID] = struct{}{}
	i := sort.Search(len(t.msgs), func(i int) bool { return m.Before(t.msgs[i]) })
	t.msgs = append(t.msgs, models.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return nil
}

// Merge applies a history fetch and returns how many messages were new.
func (t *Timeline) Merge(msgs []models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if t.insertLocked(m) == nil {
			added++
		}
	}
	return added
}

// Messages returns a copy in display order.
func (t *Timeline) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.Message(nil), t.msgs...)
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// MarkRead flags the messages of one sender type as read locally.
func (t *Timeline) MarkRead(sender models.SenderType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.msgs {
		if t.msgs[i].SenderType == sender {
			t.msgs[i].IsRead = true
		}
	}
}
