package training

import (
	"fmt"
	"time"
)

// Status of a training session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Session is an admin conversation used to calibrate the assistant.
type Session struct {
	ID              string     `json:"id"`
	AdminID         string     `json:"admin_id"`
	PromptVersionID string     `json:"prompt_version_id,omitempty"`
	Title           string     `json:"title"`
	Status          Status     `json:"status"`
	Summary         string     `json:"summary,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Message is one turn of a training session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Summarize renders the closing summary stored on completion.
func Summarize(messages, feedback int, ratingSum int) string {
	if feedback == 0 {
		return fmt.Sprintf("%d mensajes, sin valoraciones", messages)
	}
	avg := float64(ratingSum) / float64(feedback)
	return fmt.Sprintf("%d mensajes, %d valoraciones, promedio %.1f", messages, feedback, avg)
}
