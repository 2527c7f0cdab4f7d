package notification

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/naebak/notifications-service/internal/model"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (model.Notification, error) {
	var (
		n          model.Notification
		subject    sql.NullString
		vars       []byte
		errMsg     sql.NullString
		providerID sql.NullString
		leaseOwner sql.NullString
		scheduled  sql.NullTime
		sentAt     sql.NullTime
		delivered  sql.NullTime
		leaseExp   sql.NullTime
	)

	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Channel, &n.Priority, &n.Destination,
		&subject, &n.Content, &vars, &n.Status, &n.RetryCount, &n.MaxRetries,
		&errMsg, &providerID, &scheduled, &sentAt, &delivered,
		&leaseOwner, &leaseExp, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return model.Notification{}, err
	}

	n.Subject = subject.String
	n.ErrorMessage = errMsg.String
	n.ProviderMessageID = providerID.String
	n.LeaseOwner = leaseOwner.String
	n.ScheduledAt = timePtr(scheduled)
	n.SentAt = timePtr(sentAt)
	n.DeliveredAt = timePtr(delivered)
	n.LeaseExpiresAt = timePtr(leaseExp)

	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &n.Variables); err != nil {
			return model.Notification{}, fmt.Errorf("failed to decode variables: %w", err)
		}
	}

	return n, nil
}

func marshalVariables(vars map[string]string) ([]byte, error) {
	if len(vars) == 0 {
		return []byte("{}"), nil
	}

	b, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to encode variables: %w", err)
	}

	return b, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
