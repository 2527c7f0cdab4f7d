package model

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// Type categorizes a notification by purpose.
type Type string

const (
	TypeWelcome           Type = "welcome"
	TypePasswordReset     Type = "password_reset"
	TypeNewMessage        Type = "new_message"
	TypeComplaintUpdate   Type = "complaint_update"
	TypeElectionAlert     Type = "election_alert"
	TypeSystemMaintenance Type = "system_maintenance"
	TypeReminder          Type = "reminder"
	TypeAnnouncement      Type = "announcement"
)

// Valid reports whether t is one of the supported notification types.
func (t Type) Valid() bool {
	switch t {
	case TypeWelcome, TypePasswordReset, TypeNewMessage, TypeComplaintUpdate,
		TypeElectionAlert, TypeSystemMaintenance, TypeReminder, TypeAnnouncement:
		return true
	}
	return false
}

// Priority determines queue ordering and whether quiet hours apply.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the supported priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AMQP maps the priority to a RabbitMQ per-message priority value.
func (p Priority) AMQP() uint8 {
	switch p {
	case PriorityUrgent:
		return 9
	case PriorityHigh:
		return 7
	case PriorityNormal:
		return 5
	default:
		return 1
	}
}

// BypassesQuietHours reports whether the priority overrides quiet-hours
// and digest-frequency deferral.
func (p Priority) BypassesQuietHours() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the legal status changes. The failed -> queued and
// cancelled -> queued edges exist only for the retry controller and manual
// retry; sent -> queued covers provider callbacks reporting a transient
// failure after dispatch, and sent -> cancelled covers such a failure
// arriving with the retry budget already spent.
var transitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusCancelled},
	StatusQueued:    {StatusSent, StatusFailed, StatusCancelled},
	StatusSent:      {StatusDelivered, StatusFailed, StatusQueued, StatusCancelled},
	StatusFailed:    {StatusQueued},
	StatusCancelled: {StatusQueued},
	StatusDelivered: {},
}

// CanTransitionTo reports whether moving from s to next is a legal
// state-machine transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s. Failed and
// cancelled records may still be re-queued by an explicit manual retry.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// ReasonOptedOut marks a cancellation caused by a disabled user
// preference. Such records are excluded from manual retry.
const ReasonOptedOut = "user opted out"

// Notification is the durable unit of work tracked through the pipeline.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	Type        Type      `json:"notification_type"`
	Channel     Channel   `json:"channel"`
	Priority    Priority  `json:"priority"`
	Destination string    `json:"destination"`

	Subject   string            `json:"subject,omitempty"`
	Content   string            `json:"content"`
	Variables map[string]string `json:"variables,omitempty"`

	Status            Status `json:"status"`
	RetryCount        int    `json:"retry_count"`
	MaxRetries        int    `json:"max_retries"`
	ErrorMessage      string `json:"error_message,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Prerendered reports whether the record carries final content and needs
// no template lookup.
func (n Notification) Prerendered() bool {
	return n.Content != ""
}
