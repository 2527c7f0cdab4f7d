// Package cache keeps the Redis status entries in step with the record
// store. Status reads on the API side go through the cache, so every
// pipeline-side transition has to refresh the entry or a read would
// keep serving the status the record had at submission.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/model"
)

// recordStore is the repository surface the pipeline mutates.
type recordStore interface {
	Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (model.Notification, error)
	Defer(ctx context.Context, id uuid.UUID, until time.Time) error
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, expected model.Status, errMsg string) error
	MarkCancelled(ctx context.Context, id uuid.UUID, expected model.Status, reason string) error
	RequeueForRetry(ctx context.Context, id uuid.UUID, expected model.Status, retryCount int, errMsg string, notBefore time.Time) error
	AddAttempt(ctx context.Context, a model.DeliveryAttempt) error
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (model.Notification, error)
	PromoteScheduled(ctx context.Context, now time.Time) ([]model.Notification, error)
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]model.Notification, error)
}

type statusCache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
}

// Records decorates the notification repository for the worker pool,
// tracker and scheduler: every successful status transition writes
// through to the cache. A cache failure is logged and never fails the
// transition; the next status read falls back to the store and repairs
// the entry.
type Records struct {
	recordStore

	cache    statusCache
	strategy retry.Strategy
}

// NewRecords wraps store so its transitions refresh the status cache.
func NewRecords(store recordStore, c statusCache, strategy retry.Strategy) *Records {
	return &Records{recordStore: store, cache: c, strategy: strategy}
}

func (r *Records) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	if err := r.recordStore.MarkSent(ctx, id, providerMessageID); err != nil {
		return err
	}
	r.set(ctx, id, model.StatusSent)
	return nil
}

func (r *Records) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	if err := r.recordStore.MarkDelivered(ctx, id); err != nil {
		return err
	}
	r.set(ctx, id, model.StatusDelivered)
	return nil
}

func (r *Records) MarkFailed(ctx context.Context, id uuid.UUID, expected model.Status, errMsg string) error {
	if err := r.recordStore.MarkFailed(ctx, id, expected, errMsg); err != nil {
		return err
	}
	r.set(ctx, id, model.StatusFailed)
	return nil
}

func (r *Records) MarkCancelled(ctx context.Context, id uuid.UUID, expected model.Status, reason string) error {
	if err := r.recordStore.MarkCancelled(ctx, id, expected, reason); err != nil {
		return err
	}
	r.set(ctx, id, model.StatusCancelled)
	return nil
}

func (r *Records) RequeueForRetry(ctx context.Context, id uuid.UUID, expected model.Status, retryCount int, errMsg string, notBefore time.Time) error {
	if err := r.recordStore.RequeueForRetry(ctx, id, expected, retryCount, errMsg, notBefore); err != nil {
		return err
	}
	r.set(ctx, id, model.StatusQueued)
	return nil
}

func (r *Records) PromoteScheduled(ctx context.Context, now time.Time) ([]model.Notification, error) {
	promoted, err := r.recordStore.PromoteScheduled(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, n := range promoted {
		r.set(ctx, n.ID, model.StatusQueued)
	}
	return promoted, nil
}

func (r *Records) set(ctx context.Context, id uuid.UUID, s model.Status) {
	if err := r.cache.SetWithRetry(ctx, r.strategy, id.String(), string(s)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to refresh cached status")
	}
}
