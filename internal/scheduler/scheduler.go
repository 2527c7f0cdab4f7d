// Package scheduler runs the pipeline's periodic jobs: promoting
// pending records whose scheduled time has arrived, and reclaiming
// records whose dispatch lease expired without a terminal transition.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/queue"
)

// RecordStore is the repository slice the scheduler sweeps over.
type RecordStore interface {
	PromoteScheduled(ctx context.Context, now time.Time) ([]model.Notification, error)
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]model.Notification, error)
}

// Enqueuer publishes queue entries for swept records.
type Enqueuer interface {
	Enqueue(msg queue.Message, notBefore time.Time, strategy retry.Strategy) error
}

// Scheduler owns the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	records  RecordStore
	queue    Enqueuer
	strategy retry.Strategy
}

// New creates the scheduler with its two jobs registered.
func New(records RecordStore, q Enqueuer, strategy retry.Strategy) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		records:  records,
		queue:    q,
		strategy: strategy,
	}

	if _, err := s.cron.AddFunc("@every 30s", s.promote); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc("@every 1m", s.reap); err != nil {
		return nil, err
	}

	return s, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// promote moves due pending records into the queue and publishes their
// entries.
func (s *Scheduler) promote() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	records, err := s.records.PromoteScheduled(ctx, time.Now())
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to promote scheduled notifications")
		return
	}

	for _, n := range records {
		if err := s.queue.Enqueue(queue.MessageFor(n), time.Now(), s.strategy); err != nil {
			// The record stays queued in the store; the lease reaper will
			// republish it.
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to enqueue promoted notification")
		}
	}

	if len(records) > 0 {
		zlog.Logger.Info().Int("count", len(records)).Msg("promoted scheduled notifications")
	}
}

// reap clears expired leases and republishes the affected records so a
// worker crash cannot strand them.
func (s *Scheduler) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	records, err := s.records.ReclaimExpiredLeases(ctx, time.Now())
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to reclaim expired leases")
		return
	}

	for _, n := range records {
		if err := s.queue.Enqueue(queue.MessageFor(n), time.Now(), s.strategy); err != nil {
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to re-enqueue reclaimed notification")
		}
	}

	if len(records) > 0 {
		zlog.Logger.Warn().Int("count", len(records)).Msg("reclaimed notifications with expired leases")
	}
}
