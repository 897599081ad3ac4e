package eventbus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eventbus/internal/pattern"
	"eventbus/internal/store"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
	"eventbus/pkg/ratelimit"
)

type action string

const (
	actionEmit      action = "emit"
	actionSubscribe action = "subscribe"
)

// permissionGuard authorizes plugin emits and subscriptions against a cached
// copy of plugin_event_permissions.
type permissionGuard struct {
	gw    store.PermissionStore
	quota QuotaStore
	// minute is the optional token bucket sized by maxEventsPerMinute.
	minute *ratelimit.KeyedLimiter

	mu    sync.RWMutex
	perms map[string]models.PluginPermissions
}

func newPermissionGuard(gw store.PermissionStore, quota QuotaStore, minute *ratelimit.KeyedLimiter) *permissionGuard {
	return &permissionGuard{
		gw:     gw,
		quota:  quota,
		minute: minute,
		perms:  make(map[string]models.PluginPermissions),
	}
}

func (g *permissionGuard) reload(ctx context.Context) (int, error) {
	list, err := g.gw.ListPluginPermissions(ctx)
	if err != nil {
		return 0, err
	}

	perms := make(map[string]models.PluginPermissions, len(list))
	for _, p := range list {
		perms[p.PluginID] = p
	}

	g.mu.Lock()
	g.perms = perms
	g.mu.Unlock()
	return len(perms), nil
}

func (g *permissionGuard) get(ctx context.Context, pluginID string) (models.PluginPermissions, bool, error) {
	g.mu.RLock()
	p, ok := g.perms[pluginID]
	g.mu.RUnlock()
	if ok {
		return p, true, nil
	}

	stored, err := g.gw.GetPluginPermissions(ctx, pluginID)
	if apperrors.IsNotFound(err) {
		return models.PluginPermissions{}, false, nil
	}
	if err != nil {
		return models.PluginPermissions{}, false, err
	}

	g.mu.Lock()
	g.perms[pluginID] = *stored
	g.mu.Unlock()
	return *stored, true, nil
}

// authorize checks that subject (an event name or pattern) is covered by the
// plugin's allow-list for act.
func (g *permissionGuard) authorize(ctx context.Context, pluginID string, act action, subject string) (models.PluginPermissions, error) {
	p, ok, err := g.get(ctx, pluginID)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, apperrors.ErrAuthorization.
			WithMessage("plugin %s has no event permissions", pluginID).
			WithDetail("plugin_id", pluginID)
	}
	if !p.Active || p.Suspended {
		return p, apperrors.ErrAuthorization.
			WithMessage("plugin %s is not allowed to %s events", pluginID, act).
			WithDetail("plugin_id", pluginID)
	}

	allowed := p.CanEmit
	if act == actionSubscribe {
		allowed = p.CanSubscribe
	}
	if !pattern.MatchAny(allowed, subject) {
		return p, apperrors.ErrAuthorization.
			WithMessage("plugin %s cannot %s %s", pluginID, act, subject).
			WithDetail("plugin_id", pluginID).
			WithDetail("pattern", subject)
	}
	return p, nil
}

// admitEmit authorizes an emit, enforces the size limit and charges the quota.
// A rejected emit never increments the counter.
func (g *permissionGuard) admitEmit(ctx context.Context, pluginID, eventName string, sizeBytes int) error {
	p, err := g.authorize(ctx, pluginID, actionEmit, eventName)
	if err != nil {
		return err
	}

	if p.MaxEventSizeKb > 0 && sizeBytes > p.MaxEventSizeKb*1024 {
		return apperrors.ErrValidation.
			WithMessage("event %s from plugin %s is %d bytes, limit is %d KB", eventName, pluginID, sizeBytes, p.MaxEventSizeKb).
			WithDetail("plugin_id", pluginID)
	}

	// The minute token is returned when the daily counter rejects the emit.
	refund := func() {}
	if g.minute != nil && p.MaxEventsPerMinute > 0 {
		limit := rate.Every(time.Minute / time.Duration(p.MaxEventsPerMinute))
		cancel, ok := g.minute.Reserve(pluginID, limit, p.MaxEventsPerMinute)
		if !ok {
			return rateLimited(pluginID, p.MaxEventsPerMinute)
		}
		refund = cancel
	}

	charged, err := g.quota.ChargeEmit(ctx, p)
	if err != nil {
		refund()
		return err
	}
	if !charged {
		refund()
		return rateLimited(pluginID, p.MaxEventsPerMinute)
	}
	return nil
}

func (g *permissionGuard) recordReceived(ctx context.Context, pluginID string) error {
	return g.quota.RecordReceived(ctx, pluginID)
}

// set merges update into the stored row and reloads the cache.
func (g *permissionGuard) set(ctx context.Context, pluginID string, update models.PermissionsUpdate, now time.Time) (models.PluginPermissions, error) {
	var base *models.PluginPermissions
	existing, err := g.gw.GetPluginPermissions(ctx, pluginID)
	switch {
	case err == nil:
		base = existing
	case !apperrors.IsNotFound(err):
		return models.PluginPermissions{}, err
	}

	merged := update.Merge(pluginID, base, now)
	if err := g.gw.UpsertPluginPermissions(ctx, &merged); err != nil {
		return models.PluginPermissions{}, err
	}
	if g.minute != nil {
		g.minute.Forget(pluginID)
	}
	if _, err := g.reload(ctx); err != nil {
		return merged, err
	}
	return merged, nil
}

func rateLimited(pluginID string, limit int) error {
	return apperrors.ErrRateLimited.
		WithMessage("plugin %s reached its emit quota of %d events", pluginID, limit).
		WithDetail("plugin_id", pluginID).
		WithDetail("limit", limit)
}
