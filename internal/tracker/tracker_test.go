package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naebak/notifications-service/internal/model"
	notifrepo "github.com/naebak/notifications-service/internal/repository/notification"
)

type fakeRecords struct {
	record       model.Notification
	getErr       error
	deliveredErr error
	delivered    []uuid.UUID
}

func (f *fakeRecords) GetByProviderMessageID(_ context.Context, _ string) (model.Notification, error) {
	return f.record, f.getErr
}

func (f *fakeRecords) MarkDelivered(_ context.Context, id uuid.UUID) error {
	if f.deliveredErr != nil {
		return f.deliveredErr
	}
	f.delivered = append(f.delivered, id)
	return nil
}

type fakeRetrier struct {
	transient []string
	permanent []string
}

func (f *fakeRetrier) OnTransient(_ context.Context, _ model.Notification, cause error) error {
	f.transient = append(f.transient, cause.Error())
	return nil
}

func (f *fakeRetrier) OnPermanent(_ context.Context, _ model.Notification, cause error) error {
	f.permanent = append(f.permanent, cause.Error())
	return nil
}

func sentRecord() model.Notification {
	return model.Notification{
		ID:                uuid.New(),
		Status:            model.StatusSent,
		ProviderMessageID: "msg-1",
	}
}

func TestTracker_Handle_DeliveredReceipt(t *testing.T) {
	records := &fakeRecords{record: sentRecord()}
	tr := NewTracker(records, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{ProviderMessageID: "msg-1", Outcome: OutcomeDelivered})
	require.NoError(t, err)
	require.Len(t, records.delivered, 1)
}

func TestTracker_Handle_DuplicateDeliveredReceiptIdempotent(t *testing.T) {
	n := sentRecord()
	n.Status = model.StatusDelivered

	records := &fakeRecords{record: n}
	tr := NewTracker(records, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{ProviderMessageID: "msg-1", Outcome: OutcomeDelivered})
	require.NoError(t, err)
	assert.Empty(t, records.delivered)
}

func TestTracker_Handle_OutOfOrderReceiptIgnored(t *testing.T) {
	n := sentRecord()
	n.Status = model.StatusQueued // receipt arrived before dispatch completed

	records := &fakeRecords{record: n}
	tr := NewTracker(records, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{ProviderMessageID: "msg-1", Outcome: OutcomeDelivered})
	require.NoError(t, err)
	assert.Empty(t, records.delivered)
}

func TestTracker_Handle_UnknownMessageIgnored(t *testing.T) {
	records := &fakeRecords{getErr: notifrepo.ErrNotificationNotFound}
	tr := NewTracker(records, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{ProviderMessageID: "ghost", Outcome: OutcomeDelivered})
	require.NoError(t, err)
}

func TestTracker_Handle_MissingMessageID(t *testing.T) {
	tr := NewTracker(&fakeRecords{}, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{Outcome: OutcomeDelivered})
	require.Error(t, err)
}

func TestTracker_Handle_TransientFailureRetries(t *testing.T) {
	retrier := &fakeRetrier{}
	tr := NewTracker(&fakeRecords{record: sentRecord()}, retrier)

	err := tr.Handle(context.Background(), Callback{
		ProviderMessageID: "msg-1",
		Outcome:           OutcomeFailed,
		Reason:            "rate_limited",
	})
	require.NoError(t, err)
	require.Len(t, retrier.transient, 1)
	assert.Empty(t, retrier.permanent)
}

func TestTracker_Handle_PermanentFailureTerminates(t *testing.T) {
	retrier := &fakeRetrier{}
	tr := NewTracker(&fakeRecords{record: sentRecord()}, retrier)

	err := tr.Handle(context.Background(), Callback{
		ProviderMessageID: "msg-1",
		Outcome:           OutcomeFailed,
		Reason:            "invalid_number",
	})
	require.NoError(t, err)
	require.Len(t, retrier.permanent, 1)
	assert.Contains(t, retrier.permanent[0], "invalid_number")
	assert.Empty(t, retrier.transient)
}

func TestTracker_Handle_DeliveredRaceTolerated(t *testing.T) {
	records := &fakeRecords{record: sentRecord(), deliveredErr: notifrepo.ErrStatusConflict}
	tr := NewTracker(records, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{ProviderMessageID: "msg-1", Outcome: OutcomeDelivered})
	require.NoError(t, err)
}

func TestTracker_Handle_UnknownOutcome(t *testing.T) {
	tr := NewTracker(&fakeRecords{record: sentRecord()}, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{ProviderMessageID: "msg-1", Outcome: "bounced"})
	require.Error(t, err)
}

func TestTracker_Handle_LookupError(t *testing.T) {
	records := &fakeRecords{getErr: errors.New("connection refused")}
	tr := NewTracker(records, &fakeRetrier{})

	err := tr.Handle(context.Background(), Callback{ProviderMessageID: "msg-1", Outcome: OutcomeDelivered})
	require.Error(t, err)
}
