package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/template"
	"github.com/naebak/notifications-service/pkg/push"
)

type pushSender interface {
	Send(ctx context.Context, token, title, body string) (string, error)
}

// PushDispatcher delivers through the push provider. A missing or
// rejected device token is permanent; delivery is confirmed later by a
// provider receipt.
type PushDispatcher struct {
	client pushSender
}

// NewPushDispatcher wraps the push client as a channel adapter.
func NewPushDispatcher(client pushSender) *PushDispatcher {
	return &PushDispatcher{client: client}
}

func (d *PushDispatcher) Channel() model.Channel { return model.ChannelPush }

func (d *PushDispatcher) Send(ctx context.Context, n model.Notification, content template.Rendered) (Result, error) {
	if n.Destination == "" {
		return Result{}, Permanent(errors.New("missing device token"))
	}

	messageID, err := d.client.Send(ctx, n.Destination, content.Subject, content.Content)
	if err != nil {
		var tokenErr *push.TokenError
		if errors.As(err, &tokenErr) {
			return Result{}, Permanent(err)
		}

		var apiErr *push.APIError
		if errors.As(err, &apiErr) {
			return Result{}, classifyStatus(apiErr.StatusCode, err)
		}

		return Result{}, Transient(fmt.Errorf("push send: %w", err))
	}

	return Result{ProviderMessageID: messageID}, nil
}
