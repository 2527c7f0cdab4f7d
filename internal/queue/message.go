package queue

import (
	"github.com/google/uuid"

	"github.com/naebak/notifications-service/internal/model"
)

// Message is the queue entry for one notification. It carries only a
// reference; workers re-read the record and claim it before processing,
// so a duplicate or stale delivery is harmless.
type Message struct {
	ID       uuid.UUID      `json:"id"`
	Channel  model.Channel  `json:"channel"`
	Priority model.Priority `json:"priority"`
}

// MessageFor builds the queue entry for a notification record.
func MessageFor(n model.Notification) Message {
	return Message{ID: n.ID, Channel: n.Channel, Priority: n.Priority}
}
