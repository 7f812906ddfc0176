// Package autoreply suggests agent-authored templates for customer messages.
// Suggestions are advisory; nothing here ever sends a message.
package autoreply

import (
	"sort"
	"strings"

	"github.com/egor/ecochatserver/models"
)

// Matcher is an immutable keyword index over a template snapshot.
type Matcher struct {
	templates []models.Template
	keywords  [][]string
}

// NewMatcher builds a matcher over templates. The slice is copied.
func NewMatcher(templates []models.Template) *Matcher {
	ts := append([]models.Template(nil), templates...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })

	m := &Matcher{templates: ts, keywords: make([][]string, len(ts))}
	for i, t := range ts {
		for _, k := range t.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				m.keywords[i] = append(m.keywords[i], k)
			}
		}
	}
	return m
}

// Match returns every template with at least one keyword contained in text,
// case-insensitively, in template id order. No match yields an empty slice.
func (m *Matcher) Match(text string) []models.Template {
	out := []models.Template{}
	if m == nil {
		return out
	}
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return out
	}
	for i, t := range m.templates {
		for _, k := range m.keywords[i] {
			if strings.Contains(lower, k) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Len is the number of templates in the snapshot.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.templates)
}
