package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/template"
)

type emailSender interface {
	Send(to, subject, body string) error
}

// EmailDispatcher delivers over SMTP. A successful relay handoff counts
// as synchronous delivery; there is no later receipt to wait for.
type EmailDispatcher struct {
	client emailSender
}

// NewEmailDispatcher wraps the SMTP client as a channel adapter.
func NewEmailDispatcher(client emailSender) *EmailDispatcher {
	return &EmailDispatcher{client: client}
}

func (d *EmailDispatcher) Channel() model.Channel { return model.ChannelEmail }

func (d *EmailDispatcher) Send(ctx context.Context, n model.Notification, content template.Rendered) (Result, error) {
	if n.Destination == "" {
		return Result{}, Permanent(errors.New("missing email address"))
	}
	if content.Subject == "" {
		return Result{}, Permanent(errors.New("email requires a subject"))
	}

	// The SMTP client has no context support; bridge it so the worker's
	// dispatch timeout still bounds the call.
	done := make(chan error, 1)
	go func() {
		done <- d.client.Send(n.Destination, content.Subject, content.Content)
	}()

	select {
	case <-ctx.Done():
		return Result{}, Transient(fmt.Errorf("smtp send: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			// SMTP failures here are relay connectivity problems.
			return Result{}, Transient(fmt.Errorf("smtp send: %w", err))
		}
	}

	return Result{Delivered: true}, nil
}
