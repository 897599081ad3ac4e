package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"eventbus/internal/pattern"
	"eventbus/pkg/models"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type PostgresGateway struct {
	db *sql.DB
	q  queryer
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db, q: db}
}

func (g *PostgresGateway) InTx(ctx context.Context, fn func(Gateway) error) error {
	if g.db == nil {
		// Already inside a transaction.
		return fn(g)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapQuery("begin transaction", err)
	}

	if err := fn(&PostgresGateway{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapQuery("commit transaction", err)
	}
	return nil
}

// Ping fails with an undefined-table error when the schema has not been migrated.
func (g *PostgresGateway) Ping(ctx context.Context) error {
	if _, err := g.q.ExecContext(ctx, `SELECT 1 FROM event_types LIMIT 1`); err != nil {
		return wrapQuery("ping event store", err)
	}
	return nil
}

const eventTypeColumns = `name, category, payload_schema, metadata_schema, is_async, is_persistent,
	is_transactional, max_retries, retry_delay_ms, ttl_seconds, active, created_at, updated_at`

func (g *PostgresGateway) UpsertEventType(ctx context.Context, t *models.EventType) error {
	query := `
		INSERT INTO event_types (` + eventTypeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name) DO UPDATE
		SET payload_schema = EXCLUDED.payload_schema, updated_at = EXCLUDED.updated_at
	`
	_, err := g.q.ExecContext(ctx, query,
		t.Name, t.Category, nullableJSON(t.PayloadSchema), nullableJSON(t.MetadataSchema),
		t.IsAsync, t.IsPersistent, t.IsTransactional, t.MaxRetries, t.RetryDelayMs, t.TTLSeconds,
		t.Active, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return wrapQuery("upsert event type", err)
	}
	return nil
}

func (g *PostgresGateway) GetEventType(ctx context.Context, name string) (*models.EventType, error) {
	row := g.q.QueryRowContext(ctx, `SELECT `+eventTypeColumns+` FROM event_types WHERE name = $1`, name)
	t, err := scanEventType(row)
	if err == sql.ErrNoRows {
		return nil, notFound("event type", name)
	}
	if err != nil {
		return nil, wrapQuery("get event type", err)
	}
	return t, nil
}

func (g *PostgresGateway) ListEventTypes(ctx context.Context) ([]models.EventType, error) {
	rows, err := g.q.QueryContext(ctx, `SELECT `+eventTypeColumns+` FROM event_types ORDER BY name`)
	if err != nil {
		return nil, wrapQuery("query event types", err)
	}
	defer rows.Close()

	var types []models.EventType
	for rows.Next() {
		t, err := scanEventType(rows)
		if err != nil {
			return nil, wrapQuery("scan event type", err)
		}
		types = append(types, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return types, nil
}

func (g *PostgresGateway) SetEventTypeActive(ctx context.Context, name string, active bool) error {
	res, err := g.q.ExecContext(ctx,
		`UPDATE event_types SET active = $2, updated_at = NOW() WHERE name = $1`, name, active)
	if err != nil {
		return wrapQuery("update event type", err)
	}
	return expectRow(res, "event type", name)
}

func scanEventType(row rowScanner) (*models.EventType, error) {
	var t models.EventType
	var payloadSchema, metadataSchema []byte
	if err := row.Scan(
		&t.Name, &t.Category, &payloadSchema, &metadataSchema, &t.IsAsync, &t.IsPersistent,
		&t.IsTransactional, &t.MaxRetries, &t.RetryDelayMs, &t.TTLSeconds, &t.Active,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.PayloadSchema = rawOrNil(payloadSchema)
	t.MetadataSchema = rawOrNil(metadataSchema)
	return &t, nil
}

const eventColumns = `event_id, event_name, event_version, source_id, source_type, correlation_id,
	causation_id, payload, metadata, occurred_at, status, expires_at, processed_at, archived_at`

func (g *PostgresGateway) InsertEvent(ctx context.Context, e *models.StoredEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO event_store (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = g.q.ExecContext(ctx, query,
		e.EventID, e.EventName, e.EventVersion, e.SourceID, e.SourceType, e.CorrelationID,
		e.CausationID, payload, metadata, e.OccurredAt, e.Status, e.ExpiresAt, e.ProcessedAt, e.ArchivedAt,
	)
	if isUniqueViolation(err) {
		return conflict("event", e.EventID, err)
	}
	if err != nil {
		return wrapQuery("insert event", err)
	}
	return nil
}

func (g *PostgresGateway) GetEvent(ctx context.Context, eventID string) (*models.StoredEvent, error) {
	row := g.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM event_store WHERE event_id = $1`, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, notFound("event", eventID)
	}
	if err != nil {
		return nil, wrapQuery("get event", err)
	}
	return e, nil
}

func (g *PostgresGateway) FindEvents(ctx context.Context, q EventQuery) ([]models.StoredEvent, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.EventIDs) > 0 {
		conds = append(conds, "event_id = ANY("+arg(pq.Array(q.EventIDs))+"::uuid[])")
	}
	if q.From != nil {
		conds = append(conds, "occurred_at >= "+arg(*q.From))
	}
	if q.To != nil {
		conds = append(conds, "occurred_at <= "+arg(*q.To))
	}
	if len(q.Patterns) > 0 {
		regexps := make([]string, len(q.Patterns))
		for i, p := range q.Patterns {
			regexps[i] = pattern.Regexp(p)
		}
		conds = append(conds, "event_name ~ ANY("+arg(pq.Array(regexps))+")")
	}

	query := `SELECT ` + eventColumns + ` FROM event_store`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at ASC, event_id ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	return g.queryEvents(ctx, "find events", query, args...)
}

func (g *PostgresGateway) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	res, err := g.q.ExecContext(ctx,
		`UPDATE event_store SET status = $2, processed_at = $3 WHERE event_id = $1`,
		eventID, models.EventStatusProcessed, at)
	if err != nil {
		return wrapQuery("mark event processed", err)
	}
	return expectRow(res, "event", eventID)
}

func (g *PostgresGateway) ArchiveProcessedBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := g.q.ExecContext(ctx, `
		UPDATE event_store SET status = $1, archived_at = $2
		WHERE status = $3 AND processed_at < $4
	`, models.EventStatusArchived, now, models.EventStatusProcessed, cutoff)
	if err != nil {
		return 0, wrapQuery("archive processed events", err)
	}
	return res.RowsAffected()
}

func (g *PostgresGateway) ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.StoredEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM event_store
		WHERE status = $1 AND archived_at < $2 ORDER BY archived_at ASC LIMIT $3`
	return g.queryEvents(ctx, "list archived events", query, models.EventStatusArchived, cutoff, limit)
}

func (g *PostgresGateway) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.q.ExecContext(ctx,
		`DELETE FROM event_store WHERE status = $1 AND archived_at < $2`, models.EventStatusArchived, cutoff)
	if err != nil {
		return 0, wrapQuery("delete archived events", err)
	}
	return res.RowsAffected()
}

func (g *PostgresGateway) DeleteEvents(ctx context.Context, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res, err := g.q.ExecContext(ctx, `DELETE FROM event_store WHERE event_id = ANY($1::uuid[])`, pq.Array(eventIDs))
	if err != nil {
		return 0, wrapQuery("delete events", err)
	}
	return res.RowsAffected()
}

func (g *PostgresGateway) queryEvents(ctx context.Context, op, query string, args ...interface{}) ([]models.StoredEvent, error) {
	rows, err := g.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQuery(op, err)
	}
	defer rows.Close()

	var events []models.StoredEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapQuery("scan event", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*models.StoredEvent, error) {
	var e models.StoredEvent
	var payload, metadata []byte
	if err := row.Scan(
		&e.EventID, &e.EventName, &e.EventVersion, &e.SourceID, &e.SourceType, &e.CorrelationID,
		&e.CausationID, &payload, &metadata, &e.OccurredAt, &e.Status, &e.ExpiresAt,
		&e.ProcessedAt, &e.ArchivedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

const subscriptionColumns = `subscription_id, subscriber_id, subscriber_type, event_pattern, event_types,
	filter_expression, condition, priority, is_sequential, timeout_ms, transform_enabled,
	transform_template, active, paused, total_events_processed, total_events_failed,
	last_event_at, created_at`

func (g *PostgresGateway) InsertSubscription(ctx context.Context, s *models.Subscription) error {
	filter, err := json.Marshal(s.FilterExpression)
	if err != nil {
		return fmt.Errorf("failed to marshal filter expression: %w", err)
	}

	query := `
		INSERT INTO event_subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = g.q.ExecContext(ctx, query,
		s.SubscriptionID, s.SubscriberID, s.SubscriberType, s.EventPattern, textArray(s.EventTypes),
		filter, s.Condition, s.Priority, s.IsSequential, s.TimeoutMs, s.TransformEnabled,
		s.TransformTemplate, s.Active, s.Paused, s.TotalEventsProcessed, s.TotalEventsFailed,
		s.LastEventAt, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return conflict("subscription", s.SubscriptionID, err)
	}
	if err != nil {
		return wrapQuery("insert subscription", err)
	}
	return nil
}

func (g *PostgresGateway) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	row := g.q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM event_subscriptions WHERE subscription_id = $1`, id)
	s, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, notFound("subscription", id)
	}
	if err != nil {
		return nil, wrapQuery("get subscription", err)
	}
	return s, nil
}

func (g *PostgresGateway) DeleteSubscription(ctx context.Context, id string) error {
	res, err := g.q.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE subscription_id = $1`, id)
	if err != nil {
		return wrapQuery("delete subscription", err)
	}
	return expectRow(res, "subscription", id)
}

func (g *PostgresGateway) ListActiveSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := g.q.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM event_subscriptions
		WHERE active = true AND paused = false
		ORDER BY created_at ASC, subscription_id ASC
	`)
	if err != nil {
		return nil, wrapQuery("query subscriptions", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, wrapQuery("scan subscription", err)
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return subs, nil
}

func (g *PostgresGateway) CountSubscriptions(ctx context.Context, subscriberID string) (int, error) {
	var n int
	err := g.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_subscriptions WHERE subscriber_id = $1 AND active = true`,
		subscriberID).Scan(&n)
	if err != nil {
		return 0, wrapQuery("count subscriptions", err)
	}
	return n, nil
}

func (g *PostgresGateway) RecordSubscriptionOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	column := "total_events_failed"
	if success {
		column = "total_events_processed"
	}
	_, err := g.q.ExecContext(ctx,
		`UPDATE event_subscriptions SET `+column+` = `+column+` + 1, last_event_at = $2 WHERE subscription_id = $1`,
		id, at)
	if err != nil {
		return wrapQuery("update subscription counters", err)
	}
	return nil
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var s models.Subscription
	var filter []byte
	if err := row.Scan(
		&s.SubscriptionID, &s.SubscriberID, &s.SubscriberType, &s.EventPattern, pq.Array(&s.EventTypes),
		&filter, &s.Condition, &s.Priority, &s.IsSequential, &s.TimeoutMs, &s.TransformEnabled,
		&s.TransformTemplate, &s.Active, &s.Paused, &s.TotalEventsProcessed, &s.TotalEventsFailed,
		&s.LastEventAt, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(filter) > 0 && string(filter) != "null" {
		if err := json.Unmarshal(filter, &s.FilterExpression); err != nil {
			return nil, fmt.Errorf("failed to unmarshal filter expression: %w", err)
		}
	}
	return &s, nil
}

func (g *PostgresGateway) InsertDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := g.q.ExecContext(ctx, `
		INSERT INTO event_deliveries (delivery_id, event_id, event_name, subscription_id, status,
			attempt, started_at, completed_at, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.DeliveryID, d.EventID, d.EventName, d.SubscriptionID, d.Status,
		d.Attempt, d.StartedAt, d.CompletedAt, d.DurationMs, d.Error)
	if err != nil {
		return wrapQuery("insert delivery", err)
	}
	return nil
}

func (g *PostgresGateway) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.q.ExecContext(ctx, `DELETE FROM event_deliveries WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, wrapQuery("delete deliveries", err)
	}
	return res.RowsAffected()
}

func (g *PostgresGateway) RollupAggregates(ctx context.Context, from, to time.Time) error {
	_, err := g.q.ExecContext(ctx, `
		INSERT INTO event_aggregates (event_name, bucket_start, total_deliveries, success_count,
			failure_count, avg_duration_ms)
		SELECT event_name,
			to_timestamp(floor(extract(epoch FROM started_at) / 3600) * 3600),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status <> $3),
			AVG(duration_ms)
		FROM event_deliveries
		WHERE started_at >= $1 AND started_at < $2
		GROUP BY 1, 2
		ON CONFLICT (event_name, bucket_start) DO UPDATE
		SET total_deliveries = EXCLUDED.total_deliveries,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			avg_duration_ms = EXCLUDED.avg_duration_ms
	`, from, to, models.DeliveryStatusSuccess)
	if err != nil {
		return wrapQuery("roll up aggregates", err)
	}
	return nil
}

func (g *PostgresGateway) GetAggregates(ctx context.Context, since time.Time) ([]models.EventAggregate, error) {
	rows, err := g.q.QueryContext(ctx, `
		SELECT event_name, bucket_start, total_deliveries, success_count, failure_count, avg_duration_ms
		FROM event_aggregates
		WHERE bucket_start >= $1
		ORDER BY bucket_start ASC, event_name ASC
	`, since.UTC().Truncate(time.Hour))
	if err != nil {
		return nil, wrapQuery("query aggregates", err)
	}
	defer rows.Close()

	var out []models.EventAggregate
	for rows.Next() {
		var a models.EventAggregate
		if err := rows.Scan(&a.EventName, &a.BucketStart, &a.TotalDeliveries, &a.SuccessCount,
			&a.FailureCount, &a.AvgDurationMs); err != nil {
			return nil, wrapQuery("scan aggregate", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

const deadLetterColumns = `event_id, subscription_id, event_name, event_snapshot, failure_reason,
	failure_count, first_failed_at, last_failed_at`

func (g *PostgresGateway) UpsertDeadLetter(ctx context.Context, d *models.DeadLetter) (int, error) {
	var count int
	err := g.q.QueryRowContext(ctx, `
		INSERT INTO event_dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		ON CONFLICT (event_id, subscription_id) DO UPDATE
		SET failure_count = event_dead_letters.failure_count + 1,
			failure_reason = EXCLUDED.failure_reason,
			event_snapshot = EXCLUDED.event_snapshot,
			last_failed_at = EXCLUDED.last_failed_at
		RETURNING failure_count
	`, d.EventID, d.SubscriptionID, d.EventName, nullableJSON(d.EventSnapshot), d.FailureReason,
		d.FirstFailedAt, d.LastFailedAt).Scan(&count)
	if err != nil {
		return 0, wrapQuery("upsert dead letter", err)
	}
	return count, nil
}

func (g *PostgresGateway) GetDeadLetter(ctx context.Context, eventID, subscriptionID string) (*models.DeadLetter, error) {
	row := g.q.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM event_dead_letters
		WHERE event_id = $1 AND subscription_id = $2`, eventID, subscriptionID)
	d, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, notFound("dead letter", eventID+"/"+subscriptionID)
	}
	if err != nil {
		return nil, wrapQuery("get dead letter", err)
	}
	return d, nil
}

func (g *PostgresGateway) ListDeadLetters(ctx context.Context, q DeadLetterQuery) ([]models.DeadLetter, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := g.q.QueryContext(ctx, `
		SELECT `+deadLetterColumns+` FROM event_dead_letters
		WHERE ($1::text = '' OR subscription_id = $1) AND ($2::text = '' OR event_name = $2)
		ORDER BY last_failed_at DESC
		LIMIT $3
	`, q.SubscriptionID, q.EventName, limit)
	if err != nil {
		return nil, wrapQuery("query dead letters", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, wrapQuery("scan dead letter", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (g *PostgresGateway) DeleteDeadLetter(ctx context.Context, eventID, subscriptionID string) error {
	res, err := g.q.ExecContext(ctx,
		`DELETE FROM event_dead_letters WHERE event_id = $1 AND subscription_id = $2`, eventID, subscriptionID)
	if err != nil {
		return wrapQuery("delete dead letter", err)
	}
	return expectRow(res, "dead letter", eventID+"/"+subscriptionID)
}

func scanDeadLetter(row rowScanner) (*models.DeadLetter, error) {
	var d models.DeadLetter
	var snapshot []byte
	if err := row.Scan(&d.EventID, &d.SubscriptionID, &d.EventName, &snapshot, &d.FailureReason,
		&d.FailureCount, &d.FirstFailedAt, &d.LastFailedAt); err != nil {
		return nil, err
	}
	d.EventSnapshot = rawOrNil(snapshot)
	return &d, nil
}

const permissionColumns = `plugin_id, can_emit, can_subscribe, max_events_per_minute, max_subscriptions,
	max_event_size_kb, events_emitted_today, events_received_today, quota_reset_at, active,
	suspended, updated_at`

func (g *PostgresGateway) GetPluginPermissions(ctx context.Context, pluginID string) (*models.PluginPermissions, error) {
	row := g.q.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM plugin_event_permissions WHERE plugin_id = $1`, pluginID)
	p, err := scanPermissions(row)
	if err == sql.ErrNoRows {
		return nil, notFound("plugin permissions", pluginID)
	}
	if err != nil {
		return nil, wrapQuery("get plugin permissions", err)
	}
	return p, nil
}

func (g *PostgresGateway) ListPluginPermissions(ctx context.Context) ([]models.PluginPermissions, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM plugin_event_permissions ORDER BY plugin_id`)
	if err != nil {
		return nil, wrapQuery("query plugin permissions", err)
	}
	defer rows.Close()

	var out []models.PluginPermissions
	for rows.Next() {
		p, err := scanPermissions(rows)
		if err != nil {
			return nil, wrapQuery("scan plugin permissions", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (g *PostgresGateway) UpsertPluginPermissions(ctx context.Context, p *models.PluginPermissions) error {
	_, err := g.q.ExecContext(ctx, `
		INSERT INTO plugin_event_permissions (`+permissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (plugin_id) DO UPDATE
		SET can_emit = EXCLUDED.can_emit,
			can_subscribe = EXCLUDED.can_subscribe,
			max_events_per_minute = EXCLUDED.max_events_per_minute,
			max_subscriptions = EXCLUDED.max_subscriptions,
			max_event_size_kb = EXCLUDED.max_event_size_kb,
			active = EXCLUDED.active,
			suspended = EXCLUDED.suspended,
			updated_at = EXCLUDED.updated_at
	`, p.PluginID, textArray(p.CanEmit), textArray(p.CanSubscribe), p.MaxEventsPerMinute,
		p.MaxSubscriptions, p.MaxEventSizeKb, p.EventsEmittedToday, p.EventsReceivedToday,
		p.QuotaResetAt, p.Active, p.Suspended, p.UpdatedAt)
	if err != nil {
		return wrapQuery("upsert plugin permissions", err)
	}
	return nil
}

func (g *PostgresGateway) ChargeEmitQuota(ctx context.Context, pluginID string) (bool, error) {
	res, err := g.q.ExecContext(ctx, `
		UPDATE plugin_event_permissions
		SET events_emitted_today = events_emitted_today + 1
		WHERE plugin_id = $1 AND events_emitted_today < max_events_per_minute
	`, pluginID)
	if err != nil {
		return false, wrapQuery("charge emit quota", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (g *PostgresGateway) IncrementReceived(ctx context.Context, pluginID string) error {
	_, err := g.q.ExecContext(ctx, `
		UPDATE plugin_event_permissions SET events_received_today = events_received_today + 1
		WHERE plugin_id = $1
	`, pluginID)
	if err != nil {
		return wrapQuery("increment received counter", err)
	}
	return nil
}

func (g *PostgresGateway) ResetExpiredQuotas(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	res, err := g.q.ExecContext(ctx, `
		UPDATE plugin_event_permissions
		SET events_emitted_today = 0, events_received_today = 0, quota_reset_at = $2
		WHERE quota_reset_at <= $1
	`, now, now.Add(window))
	if err != nil {
		return 0, wrapQuery("reset quotas", err)
	}
	return res.RowsAffected()
}

func scanPermissions(row rowScanner) (*models.PluginPermissions, error) {
	var p models.PluginPermissions
	if err := row.Scan(&p.PluginID, pq.Array(&p.CanEmit), pq.Array(&p.CanSubscribe),
		&p.MaxEventsPerMinute, &p.MaxSubscriptions, &p.MaxEventSizeKb, &p.EventsEmittedToday,
		&p.EventsReceivedToday, &p.QuotaResetAt, &p.Active, &p.Suspended, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const replayColumns = `replay_id, replay_type, criteria, status, initiated_by, reason, events_replayed,
	error, created_at, started_at, completed_at`

func (g *PostgresGateway) InsertReplay(ctx context.Context, j *models.ReplayJob) error {
	criteria, err := json.Marshal(j.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal replay criteria: %w", err)
	}
	_, err = g.q.ExecContext(ctx, `
		INSERT INTO event_replays (`+replayColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, j.ReplayID, j.ReplayType, criteria, j.Status, j.InitiatedBy, j.Reason, j.EventsReplayed,
		j.Error, j.CreatedAt, j.StartedAt, j.CompletedAt)
	if err != nil {
		return wrapQuery("insert replay", err)
	}
	return nil
}

func (g *PostgresGateway) UpdateReplay(ctx context.Context, j *models.ReplayJob) error {
	res, err := g.q.ExecContext(ctx, `
		UPDATE event_replays
		SET status = $2, events_replayed = $3, error = $4, started_at = $5, completed_at = $6
		WHERE replay_id = $1
	`, j.ReplayID, j.Status, j.EventsReplayed, j.Error, j.StartedAt, j.CompletedAt)
	if err != nil {
		return wrapQuery("update replay", err)
	}
	return expectRow(res, "replay", j.ReplayID)
}

func (g *PostgresGateway) GetReplay(ctx context.Context, id string) (*models.ReplayJob, error) {
	var j models.ReplayJob
	var criteria []byte
	err := g.q.QueryRowContext(ctx, `SELECT `+replayColumns+` FROM event_replays WHERE replay_id = $1`, id).Scan(
		&j.ReplayID, &j.ReplayType, &criteria, &j.Status, &j.InitiatedBy, &j.Reason, &j.EventsReplayed,
		&j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("replay", id)
	}
	if err != nil {
		return nil, wrapQuery("get replay", err)
	}
	if err := json.Unmarshal(criteria, &j.Criteria); err != nil {
		return nil, fmt.Errorf("failed to unmarshal replay criteria: %w", err)
	}
	return &j, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

// textArray binds a nil slice as an empty array so NOT NULL array columns accept it.
func textArray(s []string) interface{} {
	if s == nil {
		s = []string{}
	}
	return pq.Array(s)
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
