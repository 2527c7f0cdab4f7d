// Package dto holds the request bodies accepted by the HTTP surface.
package dto

// CreateNotificationRequest is the body of POST /api/notifications.
// Either content or a registered template for (type, channel) must
// produce the message body; variables feed template substitution.
type CreateNotificationRequest struct {
	UserID      string            `json:"user_id" validate:"required"`
	Type        string            `json:"type" validate:"required"`
	Channel     string            `json:"channel" validate:"required,oneof=email sms push in_app"`
	Priority    string            `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Destination string            `json:"destination"`
	Subject     string            `json:"subject"`
	Content     string            `json:"content"`
	Variables   map[string]string `json:"variables"`
	ScheduledAt string            `json:"scheduled_at"`
	MaxRetries  int               `json:"max_retries" validate:"omitempty,min=0,max=10"`
}

// UpsertPreferenceRequest is the body of PUT /api/preferences/:user_id.
type UpsertPreferenceRequest struct {
	Type            string `json:"type" validate:"required"`
	Channel         string `json:"channel" validate:"required,oneof=email sms push in_app"`
	Enabled         *bool  `json:"enabled" validate:"required"`
	Frequency       string `json:"frequency" validate:"omitempty,oneof=immediate hourly daily"`
	QuietHoursStart string `json:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end"`
	Timezone        string `json:"timezone"`
}

// CreateTemplateRequest is the body of POST /api/templates. Registering
// a template deactivates the previous active one for the same
// (type, channel) pair.
type CreateTemplateRequest struct {
	Name    string `json:"name" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Channel string `json:"channel" validate:"required,oneof=email sms push in_app"`
	Subject string `json:"subject"`
	Content string `json:"content" validate:"required"`
}

// CallbackRequest is the normalized receipt body of
// POST /api/callbacks/:channel.
type CallbackRequest struct {
	ProviderMessageID string `json:"provider_message_id" validate:"required"`
	Status            string `json:"status" validate:"required,oneof=delivered failed"`
	Reason            string `json:"reason"`
}
