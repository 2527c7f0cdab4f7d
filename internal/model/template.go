package model

import (
	"time"

	"github.com/google/uuid"
)

// Template is a reusable content body with {{name}} placeholders, bound
// to one (notification type, channel) pair. At most one template per pair
// is active at any time; deactivated templates stay around for audit.
type Template struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Type     Type      `json:"notification_type"`
	Channel  Channel   `json:"channel"`
	Subject  string    `json:"subject,omitempty"`
	Content  string    `json:"content"`
	IsActive bool      `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
