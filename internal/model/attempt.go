package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies a single dispatch try.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// DeliveryAttempt records one dispatch try for a notification. Attempts
// are owned by the record and drive retry decisions and status
// reconciliation; they are not independently addressable.
type DeliveryAttempt struct {
	ID                int64     `json:"id"`
	NotificationID    uuid.UUID `json:"notification_id"`
	Attempt           int       `json:"attempt"`
	Outcome           Outcome   `json:"outcome"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
