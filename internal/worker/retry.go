package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/queue"
)

// Controller applies the retry and dead-letter policy after a failed
// dispatch or a failed provider receipt.
type Controller struct {
	records   RecordStore
	queue     Enqueuer
	baseDelay time.Duration
	maxDelay  time.Duration
	strategy  retry.Strategy
	metrics   Observer
}

// NewController creates a retry controller. baseDelay seeds the
// exponential backoff; maxDelay caps it.
func NewController(records RecordStore, q Enqueuer, baseDelay, maxDelay time.Duration, strategy retry.Strategy, m Observer) *Controller {
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Minute
	}

	return &Controller{
		records:   records,
		queue:     q,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		strategy:  strategy,
		metrics:   m,
	}
}

// OnTransient handles a transient failure for the record, which must be
// in the expected status (queued at dispatch time, sent when a receipt
// reports failure). Within budget the record is re-queued with backoff
// delay; past it the record is cancelled and dead-lettered.
func (c *Controller) OnTransient(ctx context.Context, n model.Notification, cause error) error {
	next := n.RetryCount + 1

	if next > n.MaxRetries {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %v", n.RetryCount+1, cause)
		if err := c.records.MarkCancelled(ctx, n.ID, n.Status, reason); err != nil {
			return fmt.Errorf("cancel exhausted record: %w", err)
		}

		if err := c.queue.DeadLetter(queue.MessageFor(n), reason, c.strategy); err != nil {
			// The record is already terminal; the DLQ entry is best-effort.
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to publish dead letter")
		}

		c.metrics.DeadLettered()
		return nil
	}

	delay := c.Backoff(next)
	notBefore := time.Now().Add(delay)

	if err := c.records.RequeueForRetry(ctx, n.ID, n.Status, next, cause.Error(), notBefore); err != nil {
		return fmt.Errorf("requeue for retry: %w", err)
	}

	if err := c.queue.Enqueue(queue.MessageFor(n), notBefore, c.strategy); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}

	c.metrics.Retried(string(n.Channel))
	zlog.Logger.Info().
		Str("id", n.ID.String()).
		Int("retry", next).
		Dur("delay", delay).
		Msg("transient failure, retry scheduled")

	return nil
}

// OnPermanent terminates the record with no retry.
func (c *Controller) OnPermanent(ctx context.Context, n model.Notification, cause error) error {
	if err := c.records.MarkFailed(ctx, n.ID, n.Status, cause.Error()); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	zlog.Logger.Warn().Str("id", n.ID.String()).Err(cause).Msg("permanent failure")
	return nil
}

// Backoff computes the delay before retry attempt n:
// baseDelay * 2^(n-1), capped at maxDelay.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}

	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}
