package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eventbus/internal/constants"
	"eventbus/internal/store"
	"eventbus/pkg/models"
)

// QuotaStore keeps the per-plugin emit and receive counters.
//
// The emit ceiling is PluginPermissions.MaxEventsPerMinute, but the counter
// only resets when QuotaResetAt passes, which the cleanup scheduler moves in
// daily steps. The ceiling is therefore a daily cap despite its name.
type QuotaStore interface {
	// ChargeEmit increments the emit counter unless it already reached the
	// ceiling, and reports whether the increment happened.
	ChargeEmit(ctx context.Context, p models.PluginPermissions) (bool, error)
	RecordReceived(ctx context.Context, pluginID string) error
}

type storeQuota struct {
	gw store.PermissionStore
}

// NewStoreQuota keeps the counters in the plugin_event_permissions rows.
func NewStoreQuota(gw store.PermissionStore) QuotaStore {
	return &storeQuota{gw: gw}
}

func (q *storeQuota) ChargeEmit(ctx context.Context, p models.PluginPermissions) (bool, error) {
	return q.gw.ChargeEmitQuota(ctx, p.PluginID)
}

func (q *storeQuota) RecordReceived(ctx context.Context, pluginID string) error {
	return q.gw.IncrementReceived(ctx, pluginID)
}

// chargeScript increments KEYS[1] only while it is below ARGV[1] and pins the
// key's expiry to the unix time in ARGV[2].
var chargeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return 1
`)

// RedisQuotaStore keeps the counters in Redis. Keys expire at the plugin's
// quota reset time, so the cleanup scheduler does not need to touch them.
type RedisQuotaStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisQuotaStore(client *redis.Client) *RedisQuotaStore {
	return &RedisQuotaStore{client: client, now: time.Now}
}

func (q *RedisQuotaStore) ChargeEmit(ctx context.Context, p models.PluginPermissions) (bool, error) {
	res, err := chargeScript.Run(ctx, q.client,
		[]string{emitKey(p.PluginID)},
		p.MaxEventsPerMinute, q.resetAt(p).Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis quota charge failed: %w", err)
	}
	return res == 1, nil
}

func (q *RedisQuotaStore) RecordReceived(ctx context.Context, pluginID string) error {
	key := receivedKey(pluginID)
	pipe := q.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, constants.QuotaWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis received counter failed: %w", err)
	}
	return nil
}

// Emitted returns the current emit counter for pluginID.
func (q *RedisQuotaStore) Emitted(ctx context.Context, pluginID string) (int, error) {
	n, err := q.client.Get(ctx, emitKey(pluginID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis quota read failed: %w", err)
	}
	return n, nil
}

func (q *RedisQuotaStore) resetAt(p models.PluginPermissions) time.Time {
	now := q.now()
	if p.QuotaResetAt.After(now) {
		return p.QuotaResetAt
	}
	return now.Add(constants.QuotaWindow)
}

func emitKey(pluginID string) string {
	return constants.CacheKeyPrefixQuota + "emit:" + pluginID
}

func receivedKey(pluginID string) string {
	return constants.CacheKeyPrefixQuota + "received:" + pluginID
}
