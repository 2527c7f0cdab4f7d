// Package inbox persists in-app notifications for later retrieval by the
// application. Writing here is the in_app channel's dispatch.
package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/naebak/notifications-service/internal/model"
)

var ErrMessageNotFound = errors.New("inbox message not found")

// Repository provides access to the inbox_messages table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new inbox repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Add stores a rendered notification in the user's inbox.
func (r *Repository) Add(ctx context.Context, m model.InboxMessage) error {
	query := `
		INSERT INTO inbox_messages (user_id, notification_id, subject, content)
		VALUES ($1, $2, NULLIF($3, ''), $4);
	`

	_, err := r.db.ExecContext(ctx, query, m.UserID, m.NotificationID, m.Subject, m.Content)
	if err != nil {
		return fmt.Errorf("failed to add inbox message: %w", err)
	}

	return nil
}

// ListByUser returns a user's inbox, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]model.InboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, notification_id, COALESCE(subject, ''), content, read, created_at
		FROM inbox_messages
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2;
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox messages: %w", err)
	}
	defer rows.Close()

	var messages []model.InboxMessage
	for rows.Next() {
		var m model.InboxMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.NotificationID, &m.Subject, &m.Content, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MarkRead flags one inbox message as read.
func (r *Repository) MarkRead(ctx context.Context, id int64, userID string) error {
	query := `
		UPDATE inbox_messages
		SET read = true
		WHERE id = $1 AND user_id = $2;
	`

	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark inbox message read: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrMessageNotFound
	}

	return nil
}
