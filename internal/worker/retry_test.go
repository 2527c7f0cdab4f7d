package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/queue"
)

type fakeRecordStore struct {
	mu sync.Mutex

	claimed     model.Notification
	claimErr    error
	deferErr    error
	markSentErr error

	deferred     []time.Time
	sent         []string
	delivered    []uuid.UUID
	failed       []string
	cancelled    []string
	requeued     []int
	requeuedAt   []time.Time
	attempts     []model.DeliveryAttempt
	requeueErr   error
	cancelledErr error
}

func (f *fakeRecordStore) Claim(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) (model.Notification, error) {
	return f.claimed, f.claimErr
}

func (f *fakeRecordStore) Defer(_ context.Context, _ uuid.UUID, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deferErr != nil {
		return f.deferErr
	}
	f.deferred = append(f.deferred, until)
	return nil
}

func (f *fakeRecordStore) MarkSent(_ context.Context, _ uuid.UUID, providerMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markSentErr != nil {
		return f.markSentErr
	}
	f.sent = append(f.sent, providerMessageID)
	return nil
}

func (f *fakeRecordStore) MarkDelivered(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeRecordStore) MarkFailed(_ context.Context, _ uuid.UUID, _ model.Status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, errMsg)
	return nil
}

func (f *fakeRecordStore) MarkCancelled(_ context.Context, _ uuid.UUID, _ model.Status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelledErr != nil {
		return f.cancelledErr
	}
	f.cancelled = append(f.cancelled, reason)
	return nil
}

func (f *fakeRecordStore) RequeueForRetry(_ context.Context, _ uuid.UUID, _ model.Status, retryCount int, _ string, notBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, retryCount)
	f.requeuedAt = append(f.requeuedAt, notBefore)
	return nil
}

func (f *fakeRecordStore) AddAttempt(_ context.Context, a model.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

type fakeEnqueuer struct {
	mu sync.Mutex

	enqueued    []queue.Message
	enqueuedAt  []time.Time
	deadLetters   []string
	enqueueErr    error
	deadLetterErr error
}

func (f *fakeEnqueuer) Enqueue(msg queue.Message, notBefore time.Time, _ retry.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, msg)
	f.enqueuedAt = append(f.enqueuedAt, notBefore)
	return nil
}

func (f *fakeEnqueuer) DeadLetter(msg queue.Message, reason string, _ retry.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deadLetterErr != nil {
		return f.deadLetterErr
	}
	f.deadLetters = append(f.deadLetters, reason)
	return nil
}

type fakeObserver struct {
	mu sync.Mutex

	dispatched   []string
	retried      []string
	deferred     []string
	deadLettered int
}

func (f *fakeObserver) Dispatched(_, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, outcome)
}

func (f *fakeObserver) Retried(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, channel)
}

func (f *fakeObserver) Deferred(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deferred = append(f.deferred, reason)
}

func (f *fakeObserver) DeadLettered() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLettered++
}

func (f *fakeObserver) ObserveDispatch(_ string, _ time.Duration) {}

func TestController_Backoff(t *testing.T) {
	c := NewController(&fakeRecordStore{}, &fakeEnqueuer{}, 30*time.Second, 30*time.Minute, retry.Strategy{}, &fakeObserver{})

	assert.Equal(t, 30*time.Second, c.Backoff(1))
	assert.Equal(t, time.Minute, c.Backoff(2))
	assert.Equal(t, 2*time.Minute, c.Backoff(3))
	assert.Equal(t, 16*time.Minute, c.Backoff(6))
	// Capped from here on.
	assert.Equal(t, 30*time.Minute, c.Backoff(7))
	assert.Equal(t, 30*time.Minute, c.Backoff(20))
}

func TestController_OnTransient_SchedulesRetry(t *testing.T) {
	records := &fakeRecordStore{}
	q := &fakeEnqueuer{}
	m := &fakeObserver{}
	c := NewController(records, q, 30*time.Second, 30*time.Minute, retry.Strategy{}, m)

	n := model.Notification{
		ID:         uuid.New(),
		Channel:    model.ChannelEmail,
		Status:     model.StatusQueued,
		RetryCount: 0,
		MaxRetries: 3,
	}

	before := time.Now()
	err := c.OnTransient(context.Background(), n, errors.New("smtp timeout"))
	require.NoError(t, err)

	require.Len(t, records.requeued, 1)
	assert.Equal(t, 1, records.requeued[0])
	// First retry waits one base delay.
	assert.WithinDuration(t, before.Add(30*time.Second), records.requeuedAt[0], time.Second)

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, n.ID, q.enqueued[0].ID)
	assert.Equal(t, []string{"email"}, m.retried)
	assert.Empty(t, records.cancelled)
}

func TestController_OnTransient_ExhaustionDeadLetters(t *testing.T) {
	records := &fakeRecordStore{}
	q := &fakeEnqueuer{}
	m := &fakeObserver{}
	c := NewController(records, q, 30*time.Second, 30*time.Minute, retry.Strategy{}, m)

	n := model.Notification{
		ID:         uuid.New(),
		Channel:    model.ChannelSMS,
		Status:     model.StatusQueued,
		RetryCount: 3,
		MaxRetries: 3,
	}

	err := c.OnTransient(context.Background(), n, errors.New("gateway unavailable"))
	require.NoError(t, err)

	require.Len(t, records.cancelled, 1)
	assert.Contains(t, records.cancelled[0], "retries exhausted")
	require.Len(t, q.deadLetters, 1)
	assert.Equal(t, 1, m.deadLettered)
	assert.Empty(t, records.requeued)
}

func TestController_OnTransient_DeadLetterPublishFailureTolerated(t *testing.T) {
	records := &fakeRecordStore{}
	q := &fakeEnqueuer{deadLetterErr: errors.New("channel closed")}
	c := NewController(records, q, 30*time.Second, 30*time.Minute, retry.Strategy{}, &fakeObserver{})

	n := model.Notification{
		ID:         uuid.New(),
		Status:     model.StatusQueued,
		RetryCount: 5,
		MaxRetries: 3,
	}

	// The record is already terminal; the DLQ publish is best-effort.
	err := c.OnTransient(context.Background(), n, errors.New("boom"))
	require.NoError(t, err)
	require.Len(t, records.cancelled, 1)
}

func TestController_OnPermanent_MarksFailed(t *testing.T) {
	records := &fakeRecordStore{}
	c := NewController(records, &fakeEnqueuer{}, 30*time.Second, 30*time.Minute, retry.Strategy{}, &fakeObserver{})

	n := model.Notification{ID: uuid.New(), Status: model.StatusQueued}

	err := c.OnPermanent(context.Background(), n, errors.New("invalid destination"))
	require.NoError(t, err)

	require.Len(t, records.failed, 1)
	assert.Equal(t, "invalid destination", records.failed[0])
}
