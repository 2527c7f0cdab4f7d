package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/template"
	"github.com/naebak/notifications-service/pkg/sms"
)

type smsSender interface {
	Send(ctx context.Context, to, message string) (string, error)
}

// SMSDispatcher delivers through the SMS gateway. Content arrives
// pre-truncated by the renderer; delivery is confirmed later by a
// gateway receipt.
type SMSDispatcher struct {
	client smsSender
}

// NewSMSDispatcher wraps the gateway client as a channel adapter.
func NewSMSDispatcher(client smsSender) *SMSDispatcher {
	return &SMSDispatcher{client: client}
}

func (d *SMSDispatcher) Channel() model.Channel { return model.ChannelSMS }

func (d *SMSDispatcher) Send(ctx context.Context, n model.Notification, content template.Rendered) (Result, error) {
	if n.Destination == "" {
		return Result{}, Permanent(errors.New("missing phone number"))
	}

	messageID, err := d.client.Send(ctx, n.Destination, content.Content)
	if err != nil {
		var apiErr *sms.APIError
		if errors.As(err, &apiErr) {
			return Result{}, classifyStatus(apiErr.StatusCode, err)
		}
		// Transport-level failure: timeout, connection refused.
		return Result{}, Transient(fmt.Errorf("sms send: %w", err))
	}

	return Result{ProviderMessageID: messageID}, nil
}
