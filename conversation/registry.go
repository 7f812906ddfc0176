// Package conversation owns the authoritative status of every support
// conversation. All status and unread changes go through Registry.Upsert.
package conversation

import (
	"sort"
	"sync"

	"github.com/egor/ecochatserver/models"
)

// Filter selects one of the mutually exclusive admin views.
type Filter string

const (
	FilterChat     Filter = "chat"
	FilterUnread   Filter = "unread"
	FilterResolved Filter = "resolved"
)

// ParseFilter maps a query value to a Filter, defaulting to FilterChat.
func ParseFilter(v string) Filter {
	switch Filter(v) {
	case FilterUnread, FilterResolved:
		return Filter(v)
	}
	return FilterChat
}

// Match reports whether a conversation belongs to the view.
func (f Filter) Match(c models.Conversation) bool {
	switch f {
	case FilterUnread:
		return c.Status == models.StatusUnread
	case FilterResolved:
		return c.Status == models.StatusResolved
	}
	return c.Status != models.StatusResolved
}

type entry struct {
	mu      sync.Mutex
	st      state
	removed bool
}

// Registry maps identities to conversations. Transitions are serialized per
// identity; unrelated conversations never contend on the same lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) entry(identity models.Identity) *entry {
	key := identity.Key()
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[key]; ok {
		return e
	}
	e = &entry{st: newState(identity)}
	r.entries[key] = e
	return e
}

// Upsert applies delta to the conversation of identity, creating it when
// needed. Conversations stay hidden from Get and List until their first
// message; the returned error is ErrUnknownConversation in that case. A
// hidden conversation is forgotten once its customer goes offline.
func (r *Registry) Upsert(identity models.Identity, delta Delta) (models.Conversation, error) {
	if err := identity.Validate(); err != nil {
		return models.Conversation{}, err
	}
	for {
		e := r.entry(identity)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		conv, err := r.applyLocked(e, identity, delta)
		e.mu.Unlock()
		return conv, err
	}
}

func (r *Registry) applyLocked(e *entry, identity models.Identity, delta Delta) (models.Conversation, error) {
	e.refreshIdentity(identity)
	e.st = transition(e.st, delta)
	if e.st.started {
		return e.st.conv, nil
	}
	if p, ok := delta.(Presence); ok && !p.Online {
		e.removed = true
		r.mu.Lock()
		if r.entries[identity.Key()] == e {
			delete(r.entries, identity.Key())
		}
		r.mu.Unlock()
	}
	return e.st.conv, models.ErrUnknownConversation
}

// Len returns how many identities the registry holds, visible or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// refreshIdentity keeps the newest email and name seen for the customer.
func (e *entry) refreshIdentity(identity models.Identity) {
	cur := &e.st.conv.Identity
	changed := false
	if identity.Email != "" && identity.Email != cur.Email {
		cur.Email = identity.Email
		changed = true
	}
	if identity.Name != nil && (cur.Name == nil || *cur.Name != *identity.Name) {
		cur.Name = identity.Name
		changed = true
	}
	if changed {
		e.st.conv.CustomerName = cur.DisplayName()
		e.st.conv.CustomerInitials = cur.Initials()
	}
}

// Get returns the conversation stored under identifier.
func (r *Registry) Get(identifier string) (models.Conversation, bool) {
	r.mu.RLock()
	e, ok := r.entries[identifier]
	r.mu.RUnlock()
	if !ok {
		return models.Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.started {
		return models.Conversation{}, false
	}
	return e.st.conv, true
}

// List returns the conversations in the view, newest activity first.
func (r *Registry) List(filter Filter) []models.Conversation {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		conv, started := e.st.conv, e.st.started
		e.mu.Unlock()
		if started && filter.Match(conv) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastTimestamp.Equal(out[j].LastTimestamp) {
			return out[i].LastTimestamp.After(out[j].LastTimestamp)
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}
