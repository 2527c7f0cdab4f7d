// Package template persists notification templates. Deactivated
// templates are never selected for rendering but stay around for audit.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/naebak/notifications-service/internal/model"
)

var ErrTemplateNotFound = errors.New("template not found")

// Repository provides access to the notification_templates table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new template repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Active returns the single active template for the (type, channel) pair.
func (r *Repository) Active(ctx context.Context, t model.Type, c model.Channel) (model.Template, error) {
	query := `
		SELECT id, name, notification_type, channel, COALESCE(subject, ''), content, is_active, created_at, updated_at
		FROM notification_templates
		WHERE notification_type = $1 AND channel = $2 AND is_active = true;
	`

	var tpl model.Template
	err := r.db.QueryRowContext(ctx, query, t, c).Scan(
		&tpl.ID, &tpl.Name, &tpl.Type, &tpl.Channel, &tpl.Subject, &tpl.Content,
		&tpl.IsActive, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Template{}, ErrTemplateNotFound
		}
		return model.Template{}, fmt.Errorf("failed to get active template: %w", err)
	}

	return tpl, nil
}

// Create inserts a new active template, deactivating any previous active
// template for the same (type, channel) pair so the at-most-one-active
// invariant holds.
func (r *Repository) Create(ctx context.Context, tpl model.Template) (uuid.UUID, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	deactivate := `
		UPDATE notification_templates
		SET is_active = false, updated_at = now()
		WHERE notification_type = $1 AND channel = $2 AND is_active = true;
	`
	if _, err := tx.ExecContext(ctx, deactivate, tpl.Type, tpl.Channel); err != nil {
		return uuid.Nil, fmt.Errorf("failed to deactivate previous template: %w", err)
	}

	insert := `
		INSERT INTO notification_templates (name, notification_type, channel, subject, content, is_active)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, true)
		RETURNING id;
	`
	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, insert, tpl.Name, tpl.Type, tpl.Channel, tpl.Subject, tpl.Content).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create template: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit tx: %w", err)
	}

	return id, nil
}

// Deactivate soft-deletes a template.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_templates
		SET is_active = false, updated_at = now()
		WHERE id = $1;
	`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate template: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrTemplateNotFound
	}

	return nil
}
