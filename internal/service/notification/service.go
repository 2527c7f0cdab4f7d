// Package notification orchestrates submission, queries, cancellation
// and manual retry. Submission never blocks on delivery: callers get a
// record id immediately and observe failures only through status reads.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/queue"
	notifrepo "github.com/naebak/notifications-service/internal/repository/notification"
)

// ErrOptedOutCancellation rejects manual retry of records cancelled by a
// user opt-out.
var ErrOptedOutCancellation = errors.New("record was cancelled by user opt-out")

// ErrNotRetryable rejects manual retry of records that are not failed or
// cancelled.
var ErrNotRetryable = errors.New("record is not in a retryable state")

type notificationRepository interface {
	Create(ctx context.Context, n model.Notification) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Notification, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	ResetForManualRetry(ctx context.Context, id uuid.UUID) error
	Attempts(ctx context.Context, id uuid.UUID) ([]model.DeliveryAttempt, error)
	DeadLetters(ctx context.Context, limit int) ([]model.Notification, error)
	ChannelStats(ctx context.Context) (map[model.Channel]map[model.Status]int, error)
}

type notificationPublisher interface {
	Enqueue(msg queue.Message, notBefore time.Time, strategy retry.Strategy) error
	Depth(ctx context.Context) (int, error)
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// Service is the submission-side API of the pipeline.
type Service struct {
	repo       notificationRepository
	queue      notificationPublisher
	cache      cache
	maxRetries int
}

// NewService creates a notification service. maxRetries is the default
// retry budget stamped on new records.
func NewService(repo notificationRepository, q notificationPublisher, c cache, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{repo: repo, queue: q, cache: c, maxRetries: maxRetries}
}

// Submit creates the record and makes it eligible for delivery. Records
// scheduled in the future stay pending until the scheduler promotes
// them; everything else is enqueued immediately.
func (s *Service) Submit(ctx context.Context, strategy retry.Strategy, n model.Notification) (uuid.UUID, error) {
	n.Status = model.StatusQueued
	if n.ScheduledAt != nil && n.ScheduledAt.After(time.Now()) {
		n.Status = model.StatusPending
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = s.maxRetries
	}

	id, err := s.repo.Create(ctx, n)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create notification: %w", err)
	}
	n.ID = id

	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), string(n.Status)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}

	if n.Status == model.StatusQueued {
		if err := s.queue.Enqueue(queue.MessageFor(n), time.Now(), strategy); err != nil {
			// The record is durable; the lease reaper republishes stale
			// queued records, so submission still succeeds.
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to publish notification")
		}
	}

	return id, nil
}

// Status returns the record's current status, read through the cache.
func (s *Service) Status(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.Status, error) {
	status, err := s.cache.GetWithRetry(ctx, strategy, id.String())
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get notification status from cache")
	}

	if err != nil || status == "" {
		n, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get notification: %w", err)
		}
		status = string(n.Status)

		if err := s.cache.SetWithRetry(ctx, strategy, id.String(), status); err != nil {
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
		}
	}

	return model.Status(status), nil
}

// Get returns the full record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return model.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// History returns the record's delivery attempts.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]model.DeliveryAttempt, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}

	attempts, err := s.repo.Attempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	return attempts, nil
}

// Cancel terminates a pending or queued record. Workers check the
// status at claim time, so a cancelled record is never dispatched.
func (s *Service) Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error {
	if err := s.repo.Cancel(ctx, id); err != nil {
		if errors.Is(err, notifrepo.ErrStatusConflict) {
			// Distinguish "not found" from "already past cancellation".
			if _, getErr := s.repo.GetByID(ctx, id); getErr != nil {
				return getErr
			}
		}
		return fmt.Errorf("cancel notification: %w", err)
	}

	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), string(model.StatusCancelled)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}

	return nil
}

// Retry re-enqueues a failed or cancelled record with its retry budget
// reset. Opt-out cancellations stay cancelled.
func (s *Service) Retry(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get notification: %w", err)
	}

	if n.Status != model.StatusFailed && n.Status != model.StatusCancelled {
		return ErrNotRetryable
	}
	if n.Status == model.StatusCancelled && n.ErrorMessage == model.ReasonOptedOut {
		return ErrOptedOutCancellation
	}

	if err := s.repo.ResetForManualRetry(ctx, id); err != nil {
		return fmt.Errorf("reset notification: %w", err)
	}

	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), string(model.StatusQueued)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}

	n.Status = model.StatusQueued
	if err := s.queue.Enqueue(queue.MessageFor(n), time.Now(), strategy); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to publish retried notification")
	}

	return nil
}

// Stats is the operational snapshot of the pipeline.
type Stats struct {
	QueueDepth int                                    `json:"queue_depth"`
	Channels   map[model.Channel]map[model.Status]int `json:"channels"`
}

// Stats returns queue depth and per-channel status counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to inspect queue depth")
		depth = -1
	}

	channels, err := s.repo.ChannelStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("channel stats: %w", err)
	}

	return Stats{QueueDepth: depth, Channels: channels}, nil
}

// DeadLetters lists retry-exhausted records for operator inspection.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]model.Notification, error) {
	records, err := s.repo.DeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return records, nil
}
