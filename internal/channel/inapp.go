package channel

import (
	"context"
	"fmt"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/template"
)

type inboxStore interface {
	Add(ctx context.Context, m model.InboxMessage) error
}

// InAppDispatcher writes the rendered content into the per-user inbox.
// There is no external provider: a successful write is delivery. A write
// failure means the database itself is down, so it is reported fatal
// rather than charged against the record's retry budget.
type InAppDispatcher struct {
	inbox inboxStore
}

// NewInAppDispatcher wraps the inbox store as a channel adapter.
func NewInAppDispatcher(inbox inboxStore) *InAppDispatcher {
	return &InAppDispatcher{inbox: inbox}
}

func (d *InAppDispatcher) Channel() model.Channel { return model.ChannelInApp }

func (d *InAppDispatcher) Send(ctx context.Context, n model.Notification, content template.Rendered) (Result, error) {
	msg := model.InboxMessage{
		UserID:         n.UserID,
		NotificationID: n.ID,
		Subject:        content.Subject,
		Content:        content.Content,
	}

	if err := d.inbox.Add(ctx, msg); err != nil {
		return Result{}, Fatal(fmt.Errorf("inbox write: %w", err))
	}

	return Result{Delivered: true}, nil
}
