package prompt

import "time"

// Version is one revision of the assistant system prompt. At most one
// version is active at a time.
type Version struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Notes     string    `json:"notes,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
