package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbus/internal/store"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
)

// flaky fails its first n calls.
func flaky(n int32, attempts *[]int) Handler {
	var calls atomic.Int32
	return func(_ context.Context, _ models.Event, hc HandlerContext) error {
		*attempts = append(*attempts, hc.Attempt)
		if calls.Add(1) <= n {
			return errors.New("temporarily unavailable")
		}
		return nil
	}
}

func TestRedriveDeadLetter(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.RegisterEventType(ctx, "mail.queued", EventTypeOptions{
		IsPersistent: true,
		RetryDelayMs: intPtr(0),
	}))

	var attempts []int
	subID, err := bus.Subscribe(ctx, "mailer", "mail.queued", flaky(2, &attempts), SubscribeOptions{})
	require.NoError(t, err)

	eventID, err := bus.Publish(ctx, "mail.queued", map[string]interface{}{"to": "a@b.c"}, PublishOptions{})
	require.NoError(t, err)

	err = bus.RedriveDeadLetter(ctx, eventID, subID)
	assert.True(t, apperrors.IsHandlerExecution(err))
	dl, err := gw.GetDeadLetter(ctx, eventID, subID)
	require.NoError(t, err)
	assert.Equal(t, 2, dl.FailureCount)

	require.NoError(t, bus.RedriveDeadLetter(ctx, eventID, subID))
	assert.Equal(t, []int{1, 2, 3}, attempts)

	_, err = gw.GetDeadLetter(ctx, eventID, subID)
	assert.True(t, apperrors.IsNotFound(err))

	deliveries := gw.Deliveries()
	require.Len(t, deliveries, 3)
	assert.Equal(t, models.DeliveryStatusSuccess, deliveries[2].Status)
	assert.Equal(t, 3, deliveries[2].Attempt)
}

func TestRedriveDeadLetter_Eligibility(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.RegisterEventType(ctx, "slow.retry", EventTypeOptions{RetryDelayMs: intPtr(60000)}))
	require.NoError(t, bus.RegisterEventType(ctx, "no.retry", EventTypeOptions{MaxRetries: intPtr(0), RetryDelayMs: intPtr(0)}))

	slowSub, err := bus.Subscribe(ctx, "svc", "slow.retry", failing(errors.New("x")), SubscribeOptions{})
	require.NoError(t, err)
	noSub, err := bus.Subscribe(ctx, "svc", "no.retry", failing(errors.New("x")), SubscribeOptions{})
	require.NoError(t, err)

	slowEvent, err := bus.Publish(ctx, "slow.retry", nil, PublishOptions{})
	require.NoError(t, err)
	noEvent, err := bus.Publish(ctx, "no.retry", nil, PublishOptions{})
	require.NoError(t, err)

	err = bus.RedriveDeadLetter(ctx, slowEvent, slowSub)
	assert.True(t, apperrors.IsConflict(err), "got %v", err)

	bus.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	err = bus.RedriveDeadLetter(ctx, slowEvent, slowSub)
	assert.True(t, apperrors.IsHandlerExecution(err), "got %v", err)

	err = bus.RedriveDeadLetter(ctx, noEvent, noSub)
	assert.True(t, apperrors.IsConflict(err), "got %v", err)
}

func TestRedriveDeadLetter_Missing(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()

	err := bus.RedriveDeadLetter(ctx, "nope", "nope")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = gw.UpsertDeadLetter(ctx, &models.DeadLetter{
		EventID:        "e1",
		SubscriptionID: "gone",
		EventName:      "a.b",
		EventSnapshot:  []byte(`{"event_id":"e1","event_name":"a.b"}`),
		LastFailedAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	err = bus.RedriveDeadLetter(ctx, "e1", "gone")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRedriveDeadLetter_NoHandlerInProcess(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()

	foreign := &models.Subscription{
		SubscriptionID: "foreign",
		SubscriberID:   "other-process",
		SubscriberType: models.SubscriberTypeService,
		EventPattern:   "a.b",
		Active:         true,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, gw.InsertSubscription(ctx, foreign))
	require.NoError(t, bus.Reload(ctx))

	_, err := gw.UpsertDeadLetter(ctx, &models.DeadLetter{
		EventID:        "e1",
		SubscriptionID: "foreign",
		EventName:      "a.b",
		EventSnapshot:  []byte(`{"event_id":"e1","event_name":"a.b"}`),
		LastFailedAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	err = bus.RedriveDeadLetter(ctx, "e1", "foreign")
	assert.True(t, apperrors.IsConflict(err))
}

func TestListDeadLetters(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	a, err := bus.Subscribe(ctx, "a", "x.*", failing(errors.New("a")), SubscribeOptions{})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "b", "x.*", failing(errors.New("b")), SubscribeOptions{})
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "x.one", nil, PublishOptions{})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "x.two", nil, PublishOptions{})
	require.NoError(t, err)

	all, err := bus.ListDeadLetters(ctx, store.DeadLetterQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	bySub, err := bus.ListDeadLetters(ctx, store.DeadLetterQuery{SubscriptionID: a})
	require.NoError(t, err)
	assert.Len(t, bySub, 2)

	byName, err := bus.ListDeadLetters(ctx, store.DeadLetterQuery{EventName: "x.two", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "x.two", byName[0].EventName)
}
