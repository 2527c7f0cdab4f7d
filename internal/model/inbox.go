package model

import (
	"time"

	"github.com/google/uuid"
)

// InboxMessage is an in-app notification stored for later retrieval by
// the application. Writing one is the in_app channel's entire dispatch.
type InboxMessage struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	NotificationID uuid.UUID `json:"notification_id"`
	Subject        string    `json:"subject,omitempty"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}
