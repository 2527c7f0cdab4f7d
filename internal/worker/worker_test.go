package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/naebak/notifications-service/internal/channel"
	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/preference"
	"github.com/naebak/notifications-service/internal/queue"
	notifrepo "github.com/naebak/notifications-service/internal/repository/notification"
	"github.com/naebak/notifications-service/internal/template"
)

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	err        error
}

func (f *fakeConsumer) Consume(_ int) (<-chan amqp.Delivery, error) {
	return f.deliveries, f.err
}

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

type fakeFilter struct {
	decision preference.Decision
	err      error
}

func (f *fakeFilter) Evaluate(_ context.Context, _ model.Notification) (preference.Decision, error) {
	return f.decision, f.err
}

type fakeRenderer struct {
	rendered template.Rendered
	err      error
}

func (f *fakeRenderer) Render(_ context.Context, _ model.Notification) (template.Rendered, error) {
	return f.rendered, f.err
}

type fakeLimiter struct {
	granted bool
	hint    time.Duration
}

func (f *fakeLimiter) Acquire(_ model.Channel, _ model.Priority) (bool, time.Duration) {
	return f.granted, f.hint
}

type fakeDispatcher struct {
	ch     model.Channel
	result channel.Result
	err    error
	calls  int
}

func (f *fakeDispatcher) Channel() model.Channel { return f.ch }

func (f *fakeDispatcher) Send(_ context.Context, _ model.Notification, _ template.Rendered) (channel.Result, error) {
	f.calls++
	return f.result, f.err
}

type poolFixture struct {
	records    *fakeRecordStore
	queue      *fakeEnqueuer
	metrics    *fakeObserver
	filter     *fakeFilter
	renderer   *fakeRenderer
	limiter    *fakeLimiter
	dispatcher *fakeDispatcher
	pool       *Pool
}

func newPoolFixture(n model.Notification) *poolFixture {
	f := &poolFixture{
		records:    &fakeRecordStore{claimed: n},
		queue:      &fakeEnqueuer{},
		metrics:    &fakeObserver{},
		filter:     &fakeFilter{decision: preference.Decision{Action: preference.ActionDeliver}},
		renderer:   &fakeRenderer{rendered: template.Rendered{Subject: "Hi", Content: "Hello"}},
		limiter:    &fakeLimiter{granted: true},
		dispatcher: &fakeDispatcher{ch: n.Channel},
	}

	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery)}
	controller := NewController(f.records, f.queue, 30*time.Second, 30*time.Minute, retry.Strategy{}, f.metrics)

	f.pool = NewPool(
		consumer, f.records, f.filter, f.renderer, f.limiter,
		[]channel.Dispatcher{f.dispatcher}, controller, f.queue, f.metrics,
		Config{Count: 1, LeaseTTL: time.Minute, DispatchTimeout: time.Second},
	)

	return f
}

func queuedNotification(ch model.Channel) model.Notification {
	return model.Notification{
		ID:         uuid.New(),
		UserID:     "user-1",
		Type:       model.TypeNewMessage,
		Channel:    ch,
		Priority:   model.PriorityNormal,
		Status:     model.StatusQueued,
		MaxRetries: 3,
	}
}

func delivery(t *testing.T, n model.Notification, ack *fakeAcknowledger) amqp.Delivery {
	t.Helper()

	body, err := json.Marshal(queue.MessageFor(n))
	require.NoError(t, err)

	return amqp.Delivery{Acknowledger: ack, Body: body, DeliveryTag: 1}
}

func TestPool_Handle_DispatchSuccess(t *testing.T) {
	n := queuedNotification(model.ChannelSMS)
	f := newPoolFixture(n)
	f.dispatcher.result = channel.Result{ProviderMessageID: "sms-1"}

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.sent, 1)
	assert.Equal(t, "sms-1", f.records.sent[0])
	// Async channel: delivery confirmation comes later via receipt.
	assert.Empty(t, f.records.delivered)

	require.Len(t, f.records.attempts, 1)
	assert.Equal(t, model.OutcomeSuccess, f.records.attempts[0].Outcome)
	assert.Equal(t, 1, f.records.attempts[0].Attempt)
}

func TestPool_Handle_SynchronousDelivery(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)
	f.dispatcher.result = channel.Result{Delivered: true}

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.sent, 1)
	require.Len(t, f.records.delivered, 1)
	assert.Equal(t, n.ID, f.records.delivered[0])
}

func TestPool_Handle_TransientFailureRequeues(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)
	f.dispatcher.err = channel.Transient(errors.New("smtp timeout"))

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	// The failure is handled through the store, so the broker entry is acked.
	assert.True(t, ack.acked)
	require.Len(t, f.records.requeued, 1)
	assert.Equal(t, 1, f.records.requeued[0])
	require.Len(t, f.queue.enqueued, 1)

	require.Len(t, f.records.attempts, 1)
	assert.Equal(t, model.OutcomeTransientFailure, f.records.attempts[0].Outcome)
}

func TestPool_Handle_PermanentFailureMarksFailed(t *testing.T) {
	n := queuedNotification(model.ChannelPush)
	f := newPoolFixture(n)
	f.dispatcher.err = channel.Permanent(errors.New("token not registered"))

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.failed, 1)
	assert.Empty(t, f.records.requeued)

	require.Len(t, f.records.attempts, 1)
	assert.Equal(t, model.OutcomePermanentFailure, f.records.attempts[0].Outcome)
}

func TestPool_Handle_OptedOutDrops(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)
	f.filter.decision = preference.Decision{Action: preference.ActionDrop, Reason: model.ReasonOptedOut}

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.cancelled, 1)
	assert.Equal(t, model.ReasonOptedOut, f.records.cancelled[0])
	assert.Zero(t, f.dispatcher.calls)
	// Drops never produce an attempt row.
	assert.Empty(t, f.records.attempts)
}

func TestPool_Handle_QuietHoursDefers(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)

	until := time.Now().Add(2 * time.Hour)
	f.filter.decision = preference.Decision{Action: preference.ActionDefer, Reason: "quiet hours", Until: until}

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.deferred, 1)
	assert.Equal(t, until, f.records.deferred[0])
	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, []string{"quiet hours"}, f.metrics.deferred)
	assert.Zero(t, f.dispatcher.calls)
	// Deferral is scheduling, not failure.
	assert.Empty(t, f.records.requeued)
}

func TestPool_Handle_RateLimitDefers(t *testing.T) {
	n := queuedNotification(model.ChannelSMS)
	f := newPoolFixture(n)
	f.limiter.granted = false
	f.limiter.hint = 3 * time.Second

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.deferred, 1)
	assert.Equal(t, []string{"rate limit"}, f.metrics.deferred)
	assert.Zero(t, f.dispatcher.calls)
}

func TestPool_Handle_RenderPermanentFailure(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)
	f.renderer.err = &template.RenderError{Variable: "name"}

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.failed, 1)
	assert.Zero(t, f.dispatcher.calls)
	// No provider call happened, so no attempt row either.
	assert.Empty(t, f.records.attempts)
}

func TestPool_Handle_NotClaimableDiscards(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)
	f.records.claimErr = notifrepo.ErrNotClaimable

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	// Stale or duplicate delivery: acked without processing.
	assert.True(t, ack.acked)
	assert.Zero(t, f.dispatcher.calls)
}

func TestPool_Handle_ClaimErrorRequeuesAtBroker(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)
	f.records.claimErr = errors.New("connection refused")

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestPool_Handle_MalformedBodyRejected(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte("not json"),
		DeliveryTag:  1,
	})

	assert.True(t, ack.nacked)
	// No requeue: the entry dead-letters at the broker.
	assert.False(t, ack.requeue)
	assert.Zero(t, f.dispatcher.calls)
}

func TestPool_Handle_FatalStoreErrorRequeuesAtBroker(t *testing.T) {
	n := queuedNotification(model.ChannelInApp)
	f := newPoolFixture(n)
	f.dispatcher.err = channel.Fatal(errors.New("inbox write: connection refused"))

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	// The database is down, not the record: the broker redelivers and
	// the retry budget stays untouched.
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Empty(t, f.records.attempts)
	assert.Empty(t, f.records.requeued)
	assert.Empty(t, f.records.failed)
}

func TestPool_Handle_NoDispatcherPermanent(t *testing.T) {
	n := queuedNotification(model.ChannelPush)
	f := newPoolFixture(n)
	f.pool.dispatchers = map[model.Channel]channel.Dispatcher{}

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	assert.True(t, ack.acked)
	require.Len(t, f.records.failed, 1)
}

func TestPool_Handle_MarkSentConflictTolerated(t *testing.T) {
	n := queuedNotification(model.ChannelSMS)
	f := newPoolFixture(n)
	f.dispatcher.result = channel.Result{ProviderMessageID: "sms-1"}
	f.records.markSentErr = notifrepo.ErrStatusConflict

	ack := &fakeAcknowledger{}
	f.pool.handle(context.Background(), "worker-0", delivery(t, n, ack))

	// Raced with a cancel after the provider accepted; nothing to unwind.
	assert.True(t, ack.acked)
}

func TestPool_Run_StopsOnContextCancel(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)

	deliveries := make(chan amqp.Delivery)
	f.pool.consumer = &fakeConsumer{deliveries: deliveries}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.pool.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}
}

func TestPool_Run_ConsumerErrorPropagates(t *testing.T) {
	n := queuedNotification(model.ChannelEmail)
	f := newPoolFixture(n)
	f.pool.consumer = &fakeConsumer{err: errors.New("channel closed")}

	err := f.pool.Run(context.Background())
	require.Error(t, err)
}
