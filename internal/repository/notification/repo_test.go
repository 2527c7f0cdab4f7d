package notification

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"

	"github.com/naebak/notifications-service/internal/model"
)

func setupMockDB(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open mock db: %v", err)
	}

	wrappedDB := &dbpg.DB{Master: db}
	repo := NewRepository(wrappedDB)

	return repo, mock
}

var notificationColumns = []string{
	"id", "user_id", "notification_type", "channel", "priority", "destination",
	"subject", "content", "variables", "status", "retry_count", "max_retries",
	"error_message", "provider_message_id", "scheduled_at", "sent_at", "delivered_at",
	"lease_owner", "lease_expires_at", "created_at", "updated_at",
}

func notificationRow(id uuid.UUID, status model.Status) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(notificationColumns).AddRow(
		id, "user-1", model.TypeNewMessage, model.ChannelEmail, model.PriorityNormal, "citizen@example.com",
		nil, "Hello", []byte(`{}`), status, 0, 3,
		nil, nil, nil, nil, nil,
		nil, nil, now, now,
	)
}

func TestRepository_Create(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	n := model.Notification{
		UserID:      "user-1",
		Type:        model.TypeNewMessage,
		Channel:     model.ChannelEmail,
		Priority:    model.PriorityNormal,
		Destination: "citizen@example.com",
		Content:     "Hello",
		Status:      model.StatusQueued,
		MaxRetries:  3,
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(
			n.UserID, n.Type, n.Channel, n.Priority, n.Destination,
			n.Subject, n.Content, []byte(`{}`), n.Status, n.MaxRetries, nil,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	got, err := repo.Create(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Claim(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	// The claim predicate is the dedupe point: only queued records with
	// no live lease may be taken.
	mock.ExpectQuery(regexp.QuoteMeta("AND (lease_expires_at IS NULL OR lease_expires_at < now())")).
		WithArgs(id, "worker-0", float64(60)).
		WillReturnRows(notificationRow(id, model.StatusQueued))

	n, err := repo.Claim(context.Background(), id, "worker-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, n.ID)
	assert.Equal(t, model.StatusQueued, n.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Claim_NotClaimableOnLiveLease(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	// No row matched: the record is cancelled, already processed, or
	// another worker holds a live lease.
	mock.ExpectQuery(regexp.QuoteMeta("AND (lease_expires_at IS NULL OR lease_expires_at < now())")).
		WithArgs(id, "worker-0", float64(60)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Claim(context.Background(), id, "worker-0", time.Minute)
	assert.ErrorIs(t, err, ErrNotClaimable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkSent_CAS(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
		WithArgs(id, "sms-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkSent(context.Background(), id, "sms-1"))
	assert.NoError(t, mock.ExpectationsWereMet())

	// Zero rows affected means the record left the queued state, so the
	// transition is reported as a conflict instead of silently applied.
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
		WithArgs(id, "sms-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSent(context.Background(), id, "sms-1")
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkDelivered_RequiresSent(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'sent'")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkDelivered(context.Background(), id)
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Cancel_OnlyBeforeDispatch(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status IN ('pending', 'queued')")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Cancel(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status IN ('pending', 'queued')")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RequeueForRetry_CAS(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	notBefore := time.Now().Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'queued', retry_count = $3")).
		WithArgs(id, model.StatusQueued, 2, "smtp timeout", notBefore).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RequeueForRetry(context.Background(), id, model.StatusQueued, 2, "smtp timeout", notBefore)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The record was cancelled in the meantime; the retry loses the race.
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'queued', retry_count = $3")).
		WithArgs(id, model.StatusQueued, 2, "smtp timeout", notBefore).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.RequeueForRetry(context.Background(), id, model.StatusQueued, 2, "smtp timeout", notBefore)
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ReclaimExpiredLeases_RespectsVisibility(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	now := time.Now()

	// Deferred records stay invisible until visible_after passes; the
	// expectation pins the predicate so the reaper cannot regress into
	// republishing them early.
	mock.ExpectQuery(regexp.QuoteMeta("AND (visible_after IS NULL OR visible_after <= $1)")).
		WithArgs(now).
		WillReturnRows(notificationRow(id, model.StatusQueued))

	reclaimed, err := repo.ReclaimExpiredLeases(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, id, reclaimed[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ReclaimExpiredLeases_NothingDue(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("AND (visible_after IS NULL OR visible_after <= $1)")).
		WillReturnRows(sqlmock.NewRows(notificationColumns))

	reclaimed, err := repo.ReclaimExpiredLeases(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE id = $1")).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotificationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PromoteScheduled(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= $1")).
		WithArgs(now).
		WillReturnRows(notificationRow(id, model.StatusQueued))

	promoted, err := repo.PromoteScheduled(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, model.StatusQueued, promoted[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
