package models

import "time"

// Template is an agent-authored canned reply matched by keyword.
type Template struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Keywords  []string  `json:"keywords"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
