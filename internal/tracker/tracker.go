// Package tracker reconciles asynchronous provider delivery receipts
// with notification records. Receipts are keyed by provider message id
// and may arrive duplicated or out of order; handling is idempotent.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/model"
	notifrepo "github.com/naebak/notifications-service/internal/repository/notification"
)

// Outcome is the normalized verdict of a provider receipt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// Callback is one normalized delivery-status event. Reason carries the
// provider's failure code when the outcome is failed.
type Callback struct {
	ProviderMessageID string
	Outcome           Outcome
	Reason            string
}

// transientReasons maps provider failure codes that are expected to
// clear on retry.
var transientReasons = map[string]bool{
	"timeout":             true,
	"network_error":       true,
	"service_unavailable": true,
	"rate_limited":        true,
	"throttled":           true,
}

// RecordStore is the repository slice the tracker needs.
type RecordStore interface {
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (model.Notification, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
}

type retrier interface {
	OnTransient(ctx context.Context, n model.Notification, cause error) error
	OnPermanent(ctx context.Context, n model.Notification, cause error) error
}

// Tracker applies receipts to records.
type Tracker struct {
	records    RecordStore
	controller retrier
}

// NewTracker creates a tracker backed by the record store and the retry
// controller.
func NewTracker(records RecordStore, controller retrier) *Tracker {
	return &Tracker{records: records, controller: controller}
}

// Handle applies one receipt. Unknown message ids and receipts for
// records already in a terminal state are no-ops.
func (t *Tracker) Handle(ctx context.Context, cb Callback) error {
	if cb.ProviderMessageID == "" {
		return errors.New("callback missing provider message id")
	}

	n, err := t.records.GetByProviderMessageID(ctx, cb.ProviderMessageID)
	if err != nil {
		if errors.Is(err, notifrepo.ErrNotificationNotFound) {
			zlog.Logger.Warn().Str("provider_message_id", cb.ProviderMessageID).Msg("receipt for unknown message, ignoring")
			return nil
		}
		return fmt.Errorf("look up record: %w", err)
	}

	if n.Status == model.StatusDelivered || n.Status == model.StatusCancelled {
		zlog.Logger.Debug().Str("id", n.ID.String()).Msg("receipt for terminal record, ignoring")
		return nil
	}

	switch cb.Outcome {
	case OutcomeDelivered:
		// Only sent records move forward; anything else is out of order.
		if n.Status != model.StatusSent {
			zlog.Logger.Warn().Str("id", n.ID.String()).Str("status", string(n.Status)).Msg("out-of-order delivery receipt, ignoring")
			return nil
		}

		if err := t.records.MarkDelivered(ctx, n.ID); err != nil {
			if errors.Is(err, notifrepo.ErrStatusConflict) {
				return nil // lost a race with another receipt
			}
			return fmt.Errorf("mark delivered: %w", err)
		}

		zlog.Logger.Info().Str("id", n.ID.String()).Msg("delivery confirmed by provider")
		return nil

	case OutcomeFailed:
		if n.Status != model.StatusSent {
			zlog.Logger.Warn().Str("id", n.ID.String()).Str("status", string(n.Status)).Msg("out-of-order failure receipt, ignoring")
			return nil
		}

		cause := fmt.Errorf("provider reported failure: %s", cb.Reason)
		if transientReasons[cb.Reason] {
			return t.controller.OnTransient(ctx, n, cause)
		}
		return t.controller.OnPermanent(ctx, n, cause)

	default:
		return fmt.Errorf("unknown callback outcome %q", cb.Outcome)
	}
}
