// Package preference persists user notification preferences.
package preference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/naebak/notifications-service/internal/model"
)

var ErrPreferenceNotFound = errors.New("preference not found")

// Repository provides access to the user_notification_preferences table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new preference repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the preference row for the (user, type, channel) key.
// Absence of a row is reported as ErrPreferenceNotFound; callers fall
// back to model.DefaultPreference.
func (r *Repository) Get(ctx context.Context, userID string, t model.Type, c model.Channel) (model.Preference, error) {
	query := `
		SELECT user_id, notification_type, channel, is_enabled, frequency,
		       COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''),
		       COALESCE(timezone, ''), created_at, updated_at
		FROM user_notification_preferences
		WHERE user_id = $1 AND notification_type = $2 AND channel = $3;
	`

	var p model.Preference
	err := r.db.QueryRowContext(ctx, query, userID, t, c).Scan(
		&p.UserID, &p.Type, &p.Channel, &p.Enabled, &p.Frequency,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Preference{}, ErrPreferenceNotFound
		}
		return model.Preference{}, fmt.Errorf("failed to get preference: %w", err)
	}

	return p, nil
}

// Upsert creates or replaces the preference row for its key.
func (r *Repository) Upsert(ctx context.Context, p model.Preference) error {
	query := `
		INSERT INTO user_notification_preferences (
			user_id, notification_type, channel, is_enabled, frequency,
			quiet_hours_start, quiet_hours_end, timezone
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
		ON CONFLICT (user_id, notification_type, channel) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			frequency = EXCLUDED.frequency,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			updated_at = now();
	`

	_, err := r.db.ExecContext(ctx, query,
		p.UserID, p.Type, p.Channel, p.Enabled, p.Frequency,
		p.QuietHoursStart, p.QuietHoursEnd, p.Timezone,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preference: %w", err)
	}

	return nil
}

// ListByUser returns all explicit preference rows for a user.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]model.Preference, error) {
	query := `
		SELECT user_id, notification_type, channel, is_enabled, frequency,
		       COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''),
		       COALESCE(timezone, ''), created_at, updated_at
		FROM user_notification_preferences
		WHERE user_id = $1
		ORDER BY notification_type, channel;
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer rows.Close()

	var prefs []model.Preference
	for rows.Next() {
		var p model.Preference
		if err := rows.Scan(
			&p.UserID, &p.Type, &p.Channel, &p.Enabled, &p.Frequency,
			&p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}

	return prefs, rows.Err()
}
