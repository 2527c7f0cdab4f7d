// Package worker drains the notification queue. Each worker claims one
// record at a time through a lease on the record store, runs it through
// the preference filter, renderer, rate limiter and channel dispatcher,
// and records the resulting status transition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/channel"
	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/preference"
	"github.com/naebak/notifications-service/internal/queue"
	notifrepo "github.com/naebak/notifications-service/internal/repository/notification"
	"github.com/naebak/notifications-service/internal/template"
)

// RecordStore is the slice of the notification repository the pipeline
// mutates. Every status change is a compare-and-set.
type RecordStore interface {
	Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (model.Notification, error)
	Defer(ctx context.Context, id uuid.UUID, until time.Time) error
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, expected model.Status, errMsg string) error
	MarkCancelled(ctx context.Context, id uuid.UUID, expected model.Status, reason string) error
	RequeueForRetry(ctx context.Context, id uuid.UUID, expected model.Status, retryCount int, errMsg string, notBefore time.Time) error
	AddAttempt(ctx context.Context, a model.DeliveryAttempt) error
}

// Enqueuer is the queue capability the pipeline writes back through.
type Enqueuer interface {
	Enqueue(msg queue.Message, notBefore time.Time, strategy retry.Strategy) error
	DeadLetter(msg queue.Message, reason string, strategy retry.Strategy) error
}

// Consumer yields queue deliveries for the pool to process.
type Consumer interface {
	Consume(prefetch int) (<-chan amqp.Delivery, error)
}

// Filter gates dispatch on user preferences.
type Filter interface {
	Evaluate(ctx context.Context, n model.Notification) (preference.Decision, error)
}

// Renderer resolves a record into channel-ready content.
type Renderer interface {
	Render(ctx context.Context, n model.Notification) (template.Rendered, error)
}

// Limiter enforces per-channel dispatch budgets.
type Limiter interface {
	Acquire(c model.Channel, p model.Priority) (bool, time.Duration)
}

// Observer receives pipeline events for instrumentation.
type Observer interface {
	Dispatched(channel, outcome string)
	Retried(channel string)
	Deferred(reason string)
	DeadLettered()
	ObserveDispatch(channel string, d time.Duration)
}

// Config tunes the pool.
type Config struct {
	Count           int
	Prefetch        int
	LeaseTTL        time.Duration
	DispatchTimeout time.Duration
	RateDeferDelay  time.Duration
	Strategy        retry.Strategy
}

// Pool is the set of concurrent queue consumers.
type Pool struct {
	consumer    Consumer
	records     RecordStore
	filter      Filter
	renderer    Renderer
	limiter     Limiter
	dispatchers map[model.Channel]channel.Dispatcher
	controller  *Controller
	metrics     Observer
	queue       Enqueuer
	cfg         Config
}

// NewPool wires the processing pipeline.
func NewPool(
	consumer Consumer,
	records RecordStore,
	filter Filter,
	renderer Renderer,
	limiter Limiter,
	dispatchers []channel.Dispatcher,
	controller *Controller,
	q Enqueuer,
	m Observer,
	cfg Config,
) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	if cfg.RateDeferDelay <= 0 {
		cfg.RateDeferDelay = 5 * time.Second
	}

	byChannel := make(map[model.Channel]channel.Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		byChannel[d.Channel()] = d
	}

	return &Pool{
		consumer:    consumer,
		records:     records,
		filter:      filter,
		renderer:    renderer,
		limiter:     limiter,
		dispatchers: byChannel,
		controller:  controller,
		metrics:     m,
		queue:       q,
		cfg:         cfg,
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.consumer.Consume(p.cfg.Prefetch)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(p.cfg.Count)

	for i := 0; i < p.cfg.Count; i++ {
		go func(id int) {
			defer wg.Done()

			worker := fmt.Sprintf("worker-%d", id)
			zlog.Logger.Info().Str("worker", worker).Msg("worker started")

			for {
				select {
				case <-ctx.Done():
					zlog.Logger.Info().Str("worker", worker).Msg("worker shutting down")
					return
				case d, ok := <-deliveries:
					if !ok {
						zlog.Logger.Info().Str("worker", worker).Msg("delivery channel closed, shutting down")
						return
					}
					p.handle(ctx, worker, d)
				}
			}
		}(i)
	}

	wg.Wait()
	zlog.Logger.Info().Msg("worker pool stopped")
	return nil
}

// handle processes one queue delivery end to end. The delivery is acked
// once the record reached a consistent state; it is re-queued at the
// broker only when the record store was unreachable.
func (p *Pool) handle(ctx context.Context, worker string, d amqp.Delivery) {
	var msg queue.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		zlog.Logger.Error().Err(err).Msg("malformed queue entry, rejecting")
		_ = d.Nack(false, false) // dead-letters via the queue DLX
		return
	}

	n, err := p.records.Claim(ctx, msg.ID, worker, p.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, notifrepo.ErrNotClaimable) {
			// Cancelled, already processed, or leased elsewhere: a stale
			// or duplicate delivery under at-least-once semantics.
			zlog.Logger.Debug().Str("id", msg.ID.String()).Msg("record not claimable, discarding delivery")
			_ = d.Ack(false)
			return
		}

		zlog.Logger.Error().Err(err).Str("id", msg.ID.String()).Msg("failed to claim record")
		_ = d.Nack(false, true)
		return
	}

	if err := p.process(ctx, n); err != nil {
		// Store-level inconsistency: let the broker redeliver.
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to process record")
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
}

func (p *Pool) process(ctx context.Context, n model.Notification) error {
	decision, err := p.filter.Evaluate(ctx, n)
	if err != nil {
		return fmt.Errorf("preference filter: %w", err)
	}

	switch decision.Action {
	case preference.ActionDrop:
		// Opted out: cancel without recording a dispatch attempt.
		if err := p.records.MarkCancelled(ctx, n.ID, model.StatusQueued, decision.Reason); err != nil {
			return fmt.Errorf("cancel opted-out record: %w", err)
		}
		zlog.Logger.Info().Str("id", n.ID.String()).Msg("record dropped: user opted out")
		return nil

	case preference.ActionDefer:
		return p.deferRecord(ctx, n, decision.Reason, decision.Until)
	}

	rendered, err := p.renderer.Render(ctx, n)
	if err != nil {
		if template.IsPermanent(err) {
			// No external side effect happened; terminal failure without
			// an attempt row.
			if err := p.controller.OnPermanent(ctx, n, err); err != nil {
				return err
			}
			return nil
		}
		return fmt.Errorf("render: %w", err)
	}

	if granted, hint := p.limiter.Acquire(n.Channel, n.Priority); !granted {
		if hint <= 0 {
			hint = p.cfg.RateDeferDelay
		}
		return p.deferRecord(ctx, n, "rate limit", time.Now().Add(hint))
	}

	return p.dispatch(ctx, n, rendered)
}

func (p *Pool) dispatch(ctx context.Context, n model.Notification, rendered template.Rendered) error {
	dispatcher, ok := p.dispatchers[n.Channel]
	if !ok {
		return p.controller.OnPermanent(ctx, n, fmt.Errorf("no dispatcher for channel %s", n.Channel))
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	res, err := dispatcher.Send(dispatchCtx, n, rendered)
	p.metrics.ObserveDispatch(string(n.Channel), time.Since(start))

	attempt := model.DeliveryAttempt{
		NotificationID:    n.ID,
		Attempt:           n.RetryCount + 1,
		ProviderMessageID: res.ProviderMessageID,
	}

	if err != nil {
		if channel.IsFatal(err) {
			// The channel's backing store is down. Not the record's
			// fault: no attempt row, no retry charge. Propagating the
			// error nacks the delivery back to the broker.
			p.metrics.Dispatched(string(n.Channel), "store_error")
			return fmt.Errorf("dispatch %s: %w", n.Channel, err)
		}

		if channel.IsPermanent(err) {
			attempt.Outcome = model.OutcomePermanentFailure
			attempt.Error = err.Error()
			p.addAttempt(ctx, attempt)
			p.metrics.Dispatched(string(n.Channel), "permanent_failure")
			return p.controller.OnPermanent(ctx, n, err)
		}

		// Timeouts and everything unclassified count as transient.
		attempt.Outcome = model.OutcomeTransientFailure
		attempt.Error = err.Error()
		p.addAttempt(ctx, attempt)
		p.metrics.Dispatched(string(n.Channel), "transient_failure")
		return p.controller.OnTransient(ctx, n, err)
	}

	attempt.Outcome = model.OutcomeSuccess
	p.addAttempt(ctx, attempt)

	if err := p.records.MarkSent(ctx, n.ID, res.ProviderMessageID); err != nil {
		if errors.Is(err, notifrepo.ErrStatusConflict) {
			// Raced with an explicit cancel after the provider accepted
			// the message; the send cannot be unwound, so keep the
			// record's terminal state and move on.
			zlog.Logger.Warn().Str("id", n.ID.String()).Msg("record left queued state during dispatch")
			return nil
		}
		return fmt.Errorf("mark sent: %w", err)
	}

	p.metrics.Dispatched(string(n.Channel), "sent")

	if res.Delivered {
		if err := p.records.MarkDelivered(ctx, n.ID); err != nil && !errors.Is(err, notifrepo.ErrStatusConflict) {
			return fmt.Errorf("mark delivered: %w", err)
		}
		p.metrics.Dispatched(string(n.Channel), "delivered")
	}

	zlog.Logger.Info().
		Str("id", n.ID.String()).
		Str("channel", string(n.Channel)).
		Bool("delivered", res.Delivered).
		Msg("notification dispatched")

	return nil
}

// deferRecord re-enqueues the record with delayed visibility. Scheduling, not
// failure: the retry budget is untouched and the status stays queued.
func (p *Pool) deferRecord(ctx context.Context, n model.Notification, reason string, until time.Time) error {
	if err := p.records.Defer(ctx, n.ID, until); err != nil {
		if errors.Is(err, notifrepo.ErrStatusConflict) {
			// Cancelled while we held the lease; nothing left to defer.
			return nil
		}
		return fmt.Errorf("defer record: %w", err)
	}

	if err := p.queue.Enqueue(queue.MessageFor(n), until, p.cfg.Strategy); err != nil {
		return fmt.Errorf("enqueue deferred record: %w", err)
	}

	p.metrics.Deferred(reason)
	zlog.Logger.Info().
		Str("id", n.ID.String()).
		Str("reason", reason).
		Time("until", until).
		Msg("record deferred")

	return nil
}

func (p *Pool) addAttempt(ctx context.Context, a model.DeliveryAttempt) {
	if err := p.records.AddAttempt(ctx, a); err != nil {
		// History is advisory; never fail the pipeline over it.
		zlog.Logger.Error().Err(err).Str("id", a.NotificationID.String()).Msg("failed to record delivery attempt")
	}
}
