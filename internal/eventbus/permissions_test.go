package eventbus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbus/internal/config"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
)

func pluginOpts(id string) PublishOptions {
	return PublishOptions{SourceID: id, SourceType: models.SourceTypePlugin}
}

func TestPluginEmit_Authorization(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{CanEmit: []string{"report.*"}})
	require.NoError(t, err)
	_, err = bus.SetPluginPermissions(ctx, "p2", models.PermissionsUpdate{
		CanEmit:   []string{"*"},
		Suspended: boolPtr(true),
	})
	require.NoError(t, err)
	_, err = bus.SetPluginPermissions(ctx, "p3", models.PermissionsUpdate{
		CanEmit: []string{"*"},
		Active:  boolPtr(false),
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		plugin    string
		eventName string
		allowed   bool
	}{
		{"covered by pattern", "p1", "report.generated", true},
		{"outside allow-list", "p1", "user.created", false},
		{"unknown plugin", "ghost", "report.generated", false},
		{"suspended plugin", "p2", "report.generated", false},
		{"inactive plugin", "p3", "report.generated", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bus.Publish(ctx, tt.eventName, nil, pluginOpts(tt.plugin))
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperrors.IsAuthorization(err), "got %v", err)
		})
	}
}

func TestPluginEmit_QuotaNeverChargesRejections(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{
		CanEmit:            []string{"job.*"},
		MaxEventsPerMinute: intPtr(2),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := bus.Publish(ctx, "job.step", nil, pluginOpts("p1"))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		_, err = bus.Publish(ctx, "job.step", nil, pluginOpts("p1"))
		assert.True(t, apperrors.IsRateLimited(err), "got %v", err)
	}

	p, err := gw.GetPluginPermissions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.EventsEmittedToday)
}

func TestPluginEmit_SizeLimit(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{
		CanEmit:        []string{"blob.*"},
		MaxEventSizeKb: intPtr(1),
	})
	require.NoError(t, err)

	big := map[string]interface{}{"data": strings.Repeat("x", 2048)}
	_, err = bus.Publish(ctx, "blob.uploaded", big, pluginOpts("p1"))
	assert.True(t, apperrors.IsValidation(err), "got %v", err)

	_, err = bus.Publish(ctx, "blob.uploaded", map[string]interface{}{"data": "small"}, pluginOpts("p1"))
	require.NoError(t, err)

	p, err := gw.GetPluginPermissions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.EventsEmittedToday)
}

func TestPluginEmit_SchemaFailureAfterCharge(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.RegisterEventType(ctx, "order.created", EventTypeOptions{PayloadSchema: orderSchema}))
	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{CanEmit: []string{"order.*"}})
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "order.created", map[string]interface{}{}, pluginOpts("p1"))
	assert.True(t, apperrors.IsValidation(err))

	p, err := gw.GetPluginPermissions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.EventsEmittedToday)
}

func TestPluginEmit_PerMinuteLimiter(t *testing.T) {
	bus, gw := newTestBus(t, func(cfg *config.EventBusConfig, _ *Deps) {
		cfg.Quota.EnforcePerMinute = true
	})
	ctx := context.Background()

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{
		CanEmit:            []string{"tick"},
		MaxEventsPerMinute: intPtr(3),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, "tick", nil, pluginOpts("p1"))
		require.NoError(t, err)
	}
	_, err = bus.Publish(ctx, "tick", nil, pluginOpts("p1"))
	assert.True(t, apperrors.IsRateLimited(err))

	// Raising the ceiling resets the bucket, while the daily counter stays.
	_, err = bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{MaxEventsPerMinute: intPtr(10)})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "tick", nil, pluginOpts("p1"))
	require.NoError(t, err)

	p, err := gw.GetPluginPermissions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, p.EventsEmittedToday)
}

type capQuota struct {
	rejections int
	charged    int
}

func (q *capQuota) ChargeEmit(context.Context, models.PluginPermissions) (bool, error) {
	if q.rejections > 0 {
		q.rejections--
		return false, nil
	}
	q.charged++
	return true, nil
}

func (q *capQuota) RecordReceived(context.Context, string) error { return nil }

func TestPluginEmit_DailyCapRejectionKeepsMinuteToken(t *testing.T) {
	quota := &capQuota{rejections: 2}
	bus, _ := newTestBus(t, func(cfg *config.EventBusConfig, deps *Deps) {
		cfg.Quota.EnforcePerMinute = true
		deps.Quota = quota
	})
	ctx := context.Background()

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{
		CanEmit:            []string{"tick"},
		MaxEventsPerMinute: intPtr(2),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := bus.Publish(ctx, "tick", nil, pluginOpts("p1"))
		assert.True(t, apperrors.IsRateLimited(err))
	}

	for i := 0; i < 2; i++ {
		_, err := bus.Publish(ctx, "tick", nil, pluginOpts("p1"))
		require.NoError(t, err)
	}
	_, err = bus.Publish(ctx, "tick", nil, pluginOpts("p1"))
	assert.True(t, apperrors.IsRateLimited(err))
	assert.Equal(t, 2, quota.charged)
}

func TestPluginSubscribe_Authorization(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	var rec recorder

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{CanSubscribe: []string{"data.*"}})
	require.NoError(t, err)

	opts := SubscribeOptions{SubscriberType: models.SubscriberTypePlugin}

	_, err = bus.Subscribe(ctx, "p1", "data.created", rec.handler("ok"), opts)
	assert.NoError(t, err)
	_, err = bus.Subscribe(ctx, "p1", "user.*", rec.handler("denied"), opts)
	assert.True(t, apperrors.IsAuthorization(err))
	_, err = bus.Subscribe(ctx, "ghost", "data.created", rec.handler("denied"), opts)
	assert.True(t, apperrors.IsAuthorization(err))

	// Services are not checked against plugin permissions.
	_, err = bus.Subscribe(ctx, "ghost", "user.*", rec.handler("svc"), SubscribeOptions{})
	assert.NoError(t, err)
}

func TestPluginSubscribe_MaxSubscriptions(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()
	var rec recorder

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{
		CanSubscribe:     []string{"*"},
		MaxSubscriptions: intPtr(2),
	})
	require.NoError(t, err)

	opts := SubscribeOptions{SubscriberType: models.SubscriberTypePlugin}
	for _, p := range []string{"a.b", "c.d"} {
		_, err := bus.Subscribe(ctx, "p1", p, rec.handler(p), opts)
		require.NoError(t, err)
	}
	_, err = bus.Subscribe(ctx, "p1", "e.f", rec.handler("e.f"), opts)
	assert.True(t, apperrors.IsRateLimited(err))

	n, err := gw.CountSubscriptions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSetPluginPermissions(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	_, err := bus.SetPluginPermissions(ctx, "", models.PermissionsUpdate{})
	assert.True(t, apperrors.IsValidation(err))
	_, err = bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{CanEmit: []string{"a..b"}})
	assert.True(t, apperrors.IsValidation(err))

	p, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{CanEmit: []string{"a.*"}})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxEventsPerMinute, p.MaxEventsPerMinute)
	assert.Equal(t, models.DefaultMaxSubscriptions, p.MaxSubscriptions)
	assert.Empty(t, p.CanSubscribe)

	p, err = bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{CanSubscribe: []string{"b.*"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.*"}, p.CanEmit)
	assert.Equal(t, []string{"b.*"}, p.CanSubscribe)

	stored, err := bus.GetPluginPermissions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.CanSubscribe, stored.CanSubscribe)

	list, err := bus.ListPluginPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = bus.GetPluginPermissions(ctx, "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCleanup_ResetsExpiredQuotas(t *testing.T) {
	bus, gw := newTestBus(t)
	ctx := context.Background()

	_, err := bus.SetPluginPermissions(ctx, "p1", models.PermissionsUpdate{
		CanEmit:            []string{"job.*"},
		MaxEventsPerMinute: intPtr(1),
	})
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "job.step", nil, pluginOpts("p1"))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "job.step", nil, pluginOpts("p1"))
	require.True(t, apperrors.IsRateLimited(err))

	bus.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	bus.cleanup(ctx)

	p, err := gw.GetPluginPermissions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.EventsEmittedToday)

	_, err = bus.Publish(ctx, "job.step", nil, pluginOpts("p1"))
	assert.NoError(t, err)
}
