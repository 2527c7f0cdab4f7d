package model

import "time"

// Frequency controls delivery batching for a (user, type, channel) pair.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyHourly, FrequencyDaily:
		return true
	}
	return false
}

// Preference holds a user's delivery settings for one notification type
// on one channel. A missing row is equivalent to DefaultPreference.
type Preference struct {
	UserID  string  `json:"user_id"`
	Type    Type    `json:"notification_type"`
	Channel Channel `json:"channel"`

	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency"`

	// Quiet hours as "HH:MM" local times; both empty means no quiet hours.
	// The window may wrap past midnight (e.g. 22:00 - 07:00).
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
	Timezone        string `json:"timezone,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultPreference is the implied preference when no row exists:
// enabled, immediate, no quiet hours.
func DefaultPreference(userID string, t Type, c Channel) Preference {
	return Preference{
		UserID:    userID,
		Type:      t,
		Channel:   c,
		Enabled:   true,
		Frequency: FrequencyImmediate,
	}
}

// HasQuietHours reports whether a quiet-hours window is configured.
func (p Preference) HasQuietHours() bool {
	return p.QuietHoursStart != "" && p.QuietHoursEnd != ""
}
