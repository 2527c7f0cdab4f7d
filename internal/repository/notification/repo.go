// Package notification persists notification records and their delivery
// attempts. The status column is the single source of truth for the
// lifecycle; every transition is a compare-and-set on the expected old
// status so a racing dispatcher and tracker cannot lose updates.
package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/naebak/notifications-service/internal/model"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrStatusConflict means the record was not in the expected status;
	// the caller lost a race or acted on a stale message.
	ErrStatusConflict = errors.New("notification status conflict")
	// ErrNotClaimable means the record is not queued, or another worker
	// holds a live lease on it.
	ErrNotClaimable = errors.New("notification not claimable")
)

const columns = `
	id, user_id, notification_type, channel, priority, destination,
	subject, content, variables, status, retry_count, max_retries,
	error_message, provider_message_id, scheduled_at, sent_at, delivered_at,
	lease_owner, lease_expires_at, created_at, updated_at
`

// Repository provides access to the notifications and delivery_attempts tables.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new notification repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new notification and returns its ID.
func (r *Repository) Create(ctx context.Context, n model.Notification) (uuid.UUID, error) {
	query := `
		INSERT INTO notifications (
			user_id, notification_type, channel, priority, destination,
			subject, content, variables, status, max_retries, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id;
	`

	vars, err := marshalVariables(n.Variables)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = r.db.QueryRowContext(
		ctx, query,
		n.UserID, n.Type, n.Channel, n.Priority, n.Destination,
		n.Subject, n.Content, vars, n.Status, n.MaxRetries, n.ScheduledAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create notification: %w", err)
	}

	return id, nil
}

// GetByID retrieves a notification by its ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (model.Notification, error) {
	query := `SELECT ` + columns + ` FROM notifications WHERE id = $1;`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, ErrNotificationNotFound
		}
		return model.Notification{}, fmt.Errorf("failed to get notification: %w", err)
	}

	return n, nil
}

// GetByProviderMessageID maps a provider receipt back to its record.
func (r *Repository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (model.Notification, error) {
	query := `SELECT ` + columns + ` FROM notifications WHERE provider_message_id = $1;`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, ErrNotificationNotFound
		}
		return model.Notification{}, fmt.Errorf("failed to get notification by provider id: %w", err)
	}

	return n, nil
}

// Claim takes the dispatch lease on a queued record. It succeeds only if
// the record is still queued and no other worker holds a live lease,
// which is what bounds double-processing to the at-least-once window.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (model.Notification, error) {
	query := `
		UPDATE notifications
		SET lease_owner = $2, lease_expires_at = now() + $3 * interval '1 second', updated_at = now()
		WHERE id = $1
		  AND status = 'queued'
		  AND (lease_expires_at IS NULL OR lease_expires_at < now())
		RETURNING ` + columns + `;`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id, owner, ttl.Seconds()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, ErrNotClaimable
		}
		return model.Notification{}, fmt.Errorf("failed to claim notification: %w", err)
	}

	return n, nil
}

// Defer clears the lease and records when the entry becomes visible
// again, so the lease reaper leaves deferred records alone until then.
func (r *Repository) Defer(ctx context.Context, id uuid.UUID, until time.Time) error {
	query := `
		UPDATE notifications
		SET lease_owner = NULL, lease_expires_at = NULL, visible_after = $2, updated_at = now()
		WHERE id = $1 AND status = 'queued';
	`

	return r.execCAS(ctx, query, id, until)
}

// MarkSent records a dispatch attempt accepted by the provider.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE notifications
		SET status = 'sent', sent_at = now(), provider_message_id = NULLIF($2, ''),
		    error_message = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'queued';
	`

	return r.execCAS(ctx, query, id, providerMessageID)
}

// MarkDelivered records confirmed delivery. It only moves sent records,
// so delivery is never recorded without a prior dispatch.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'delivered', delivered_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'sent';
	`

	return r.execCAS(ctx, query, id)
}

// MarkFailed records a permanent failure from the expected status.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, expected model.Status, errMsg string) error {
	return r.cas(ctx, id, expected, model.StatusFailed, errMsg)
}

// MarkCancelled terminates the record from the expected status.
func (r *Repository) MarkCancelled(ctx context.Context, id uuid.UUID, expected model.Status, reason string) error {
	return r.cas(ctx, id, expected, model.StatusCancelled, reason)
}

// Cancel handles an explicit cancel request. Only records that have not
// yet been dispatched can be cancelled this way; claim checks reject the
// record afterwards.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued');
	`

	return r.execCAS(ctx, query, id)
}

// RequeueForRetry puts the record back in the queue after a transient
// failure, bumping retry_count, recording the cause and the backoff
// visibility time.
func (r *Repository) RequeueForRetry(ctx context.Context, id uuid.UUID, expected model.Status, retryCount int, errMsg string, notBefore time.Time) error {
	query := `
		UPDATE notifications
		SET status = 'queued', retry_count = $3, error_message = NULLIF($4, ''), visible_after = $5,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $2;
	`

	return r.execCAS(ctx, query, id, expected, retryCount, errMsg, notBefore)
}

// ResetForManualRetry re-queues a failed or cancelled record with its
// retry budget restored.
func (r *Repository) ResetForManualRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'queued', retry_count = 0, error_message = NULL,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('failed', 'cancelled');
	`

	return r.execCAS(ctx, query, id)
}

// PromoteScheduled moves due pending records into the queue and returns
// them so the caller can publish queue entries.
func (r *Repository) PromoteScheduled(ctx context.Context, now time.Time) ([]model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'queued', visible_after = NULL, updated_at = now()
		WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		RETURNING ` + columns + `;`

	return r.queryNotifications(ctx, query, now)
}

// ReclaimExpiredLeases clears leases that outlived their TTL and returns
// the affected records for re-publication. It also picks up queued
// records that went stale without a lease (a lost queue entry), while
// leaving deferred records invisible until their visible_after passes.
// A republished duplicate is harmless: claiming dedupes.
func (r *Repository) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]model.Notification, error) {
	query := `
		UPDATE notifications
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = 'queued'
		  AND (visible_after IS NULL OR visible_after <= $1)
		  AND (
			(lease_expires_at IS NOT NULL AND lease_expires_at < $1)
			OR (lease_expires_at IS NULL AND updated_at < $1 - interval '5 minutes')
		  )
		RETURNING ` + columns + `;`

	return r.queryNotifications(ctx, query, now)
}

// DeadLetters lists records that exhausted their retries.
func (r *Repository) DeadLetters(ctx context.Context, limit int) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE status = 'cancelled' AND retry_count >= max_retries AND retry_count > 0
		ORDER BY updated_at DESC
		LIMIT $1;`

	return r.queryNotifications(ctx, query, limit)
}

// AddAttempt appends one delivery attempt to the record's history.
func (r *Repository) AddAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (notification_id, attempt, outcome, provider_message_id, error)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''));
	`

	_, err := r.db.ExecContext(ctx, query, a.NotificationID, a.Attempt, a.Outcome, nullable(a.ProviderMessageID), a.Error)
	if err != nil {
		return fmt.Errorf("failed to add delivery attempt: %w", err)
	}

	return nil
}

// Attempts lists a record's delivery attempts, oldest first.
func (r *Repository) Attempts(ctx context.Context, id uuid.UUID) ([]model.DeliveryAttempt, error) {
	query := `
		SELECT id, notification_id, attempt, outcome,
		       COALESCE(provider_message_id, ''), COALESCE(error, ''), created_at
		FROM delivery_attempts
		WHERE notification_id = $1
		ORDER BY id;
	`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var a model.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.Attempt, &a.Outcome, &a.ProviderMessageID, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// ChannelStats counts records per channel and status for the ops surface.
func (r *Repository) ChannelStats(ctx context.Context) (map[model.Channel]map[model.Status]int, error) {
	query := `
		SELECT channel, status, count(*)
		FROM notifications
		GROUP BY channel, status;
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[model.Channel]map[model.Status]int)
	for rows.Next() {
		var (
			ch    model.Channel
			st    model.Status
			count int
		)
		if err := rows.Scan(&ch, &st, &count); err != nil {
			return nil, err
		}
		if stats[ch] == nil {
			stats[ch] = make(map[model.Status]int)
		}
		stats[ch][st] = count
	}

	return stats, rows.Err()
}

func (r *Repository) cas(ctx context.Context, id uuid.UUID, from, to model.Status, errMsg string) error {
	query := `
		UPDATE notifications
		SET status = $3, error_message = COALESCE(NULLIF($4, ''), error_message),
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $2;
	`

	return r.execCAS(ctx, query, id, from, to, errMsg)
}

func (r *Repository) execCAS(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}

	return nil
}

func (r *Repository) queryNotifications(ctx context.Context, query string, args ...interface{}) ([]model.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
