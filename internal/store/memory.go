package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"eventbus/internal/pattern"
	"eventbus/pkg/models"
)

type deadLetterKey struct {
	eventID        string
	subscriptionID string
}

type aggregateKey struct {
	eventName   string
	bucketStart time.Time
}

// MemoryGateway keeps everything in process memory. It backs the "memory"
// store type and unit tests; InTx gives no isolation.
type MemoryGateway struct {
	mu sync.RWMutex

	eventTypes    map[string]models.EventType
	events        map[string]models.StoredEvent
	subscriptions map[string]models.Subscription
	subOrder      []string
	deliveries    []models.Delivery
	deadLetters   map[deadLetterKey]models.DeadLetter
	permissions   map[string]models.PluginPermissions
	replays       map[string]models.ReplayJob
	aggregates    map[aggregateKey]models.EventAggregate

	calls         atomic.Int64
	schemaMissing atomic.Bool
	failures      sync.Map
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		eventTypes:    make(map[string]models.EventType),
		events:        make(map[string]models.StoredEvent),
		subscriptions: make(map[string]models.Subscription),
		deadLetters:   make(map[deadLetterKey]models.DeadLetter),
		permissions:   make(map[string]models.PluginPermissions),
		replays:       make(map[string]models.ReplayJob),
		aggregates:    make(map[aggregateKey]models.EventAggregate),
	}
}

// Calls returns how many gateway operations have been invoked.
func (m *MemoryGateway) Calls() int64 {
	return m.calls.Load()
}

// SetSchemaMissing makes every operation fail as if the tables did not exist.
func (m *MemoryGateway) SetSchemaMissing(missing bool) {
	m.schemaMissing.Store(missing)
}

// FailOn makes the named operation return err until cleared with a nil err.
func (m *MemoryGateway) FailOn(op string, err error) {
	if err == nil {
		m.failures.Delete(op)
		return
	}
	m.failures.Store(op, err)
}

// Deliveries returns a copy of every recorded delivery in insertion order.
func (m *MemoryGateway) Deliveries() []models.Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Delivery(nil), m.deliveries...)
}

func (m *MemoryGateway) enter(op string) error {
	m.calls.Add(1)
	if m.schemaMissing.Load() {
		return wrapQuery(op, ErrSchemaMissing)
	}
	if v, ok := m.failures.Load(op); ok {
		return v.(error)
	}
	return nil
}

func (m *MemoryGateway) UpsertEventType(ctx context.Context, t *models.EventType) error {
	if err := m.enter("UpsertEventType"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.eventTypes[t.Name]; ok {
		existing.PayloadSchema = cloneRaw(t.PayloadSchema)
		existing.UpdatedAt = t.UpdatedAt
		m.eventTypes[t.Name] = existing
		return nil
	}
	stored := *t
	stored.PayloadSchema = cloneRaw(t.PayloadSchema)
	stored.MetadataSchema = cloneRaw(t.MetadataSchema)
	m.eventTypes[t.Name] = stored
	return nil
}

func (m *MemoryGateway) GetEventType(ctx context.Context, name string) (*models.EventType, error) {
	if err := m.enter("GetEventType"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.eventTypes[name]
	if !ok {
		return nil, notFound("event type", name)
	}
	return &t, nil
}

func (m *MemoryGateway) ListEventTypes(ctx context.Context) ([]models.EventType, error) {
	if err := m.enter("ListEventTypes"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]models.EventType, 0, len(m.eventTypes))
	for _, t := range m.eventTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types, nil
}

func (m *MemoryGateway) SetEventTypeActive(ctx context.Context, name string, active bool) error {
	if err := m.enter("SetEventTypeActive"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.eventTypes[name]
	if !ok {
		return notFound("event type", name)
	}
	t.Active = active
	t.UpdatedAt = time.Now()
	m.eventTypes[name] = t
	return nil
}

func (m *MemoryGateway) InsertEvent(ctx context.Context, e *models.StoredEvent) error {
	if err := m.enter("InsertEvent"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[e.EventID]; ok {
		return conflict("event", e.EventID, nil)
	}
	m.events[e.EventID] = *e
	return nil
}

func (m *MemoryGateway) GetEvent(ctx context.Context, eventID string) (*models.StoredEvent, error) {
	if err := m.enter("GetEvent"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, notFound("event", eventID)
	}
	return &e, nil
}

func (m *MemoryGateway) FindEvents(ctx context.Context, q EventQuery) ([]models.StoredEvent, error) {
	if err := m.enter("FindEvents"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]bool, len(q.EventIDs))
	for _, id := range q.EventIDs {
		ids[id] = true
	}

	var out []models.StoredEvent
	for _, e := range m.events {
		if len(ids) > 0 && !ids[e.EventID] {
			continue
		}
		if q.From != nil && e.OccurredAt.Before(*q.From) {
			continue
		}
		if q.To != nil && e.OccurredAt.After(*q.To) {
			continue
		}
		if len(q.Patterns) > 0 && !pattern.MatchAny(q.Patterns, e.EventName) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryGateway) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	if err := m.enter("MarkEventProcessed"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return notFound("event", eventID)
	}
	e.Status = models.EventStatusProcessed
	e.ProcessedAt = &at
	m.events[eventID] = e
	return nil
}

func (m *MemoryGateway) ArchiveProcessedBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := m.enter("ArchiveProcessedBefore"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.events {
		if e.Status == models.EventStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			archivedAt := now
			e.Status = models.EventStatusArchived
			e.ArchivedAt = &archivedAt
			m.events[id] = e
			n++
		}
	}
	return n, nil
}

func (m *MemoryGateway) ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.StoredEvent, error) {
	if err := m.enter("ListArchivedBefore"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.StoredEvent
	for _, e := range m.events {
		if archivedBefore(e, cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.Before(*out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryGateway) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := m.enter("DeleteArchivedBefore"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.events {
		if archivedBefore(e, cutoff) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryGateway) DeleteEvents(ctx context.Context, eventIDs []string) (int64, error) {
	if err := m.enter("DeleteEvents"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range eventIDs {
		if _, ok := m.events[id]; ok {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func archivedBefore(e models.StoredEvent, cutoff time.Time) bool {
	return e.Status == models.EventStatusArchived && e.ArchivedAt != nil && e.ArchivedAt.Before(cutoff)
}

func (m *MemoryGateway) InsertSubscription(ctx context.Context, s *models.Subscription) error {
	if err := m.enter("InsertSubscription"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[s.SubscriptionID]; ok {
		return conflict("subscription", s.SubscriptionID, nil)
	}
	m.subscriptions[s.SubscriptionID] = *s
	m.subOrder = append(m.subOrder, s.SubscriptionID)
	return nil
}

func (m *MemoryGateway) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	if err := m.enter("GetSubscription"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return nil, notFound("subscription", id)
	}
	return &s, nil
}

func (m *MemoryGateway) DeleteSubscription(ctx context.Context, id string) error {
	if err := m.enter("DeleteSubscription"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[id]; !ok {
		return notFound("subscription", id)
	}
	delete(m.subscriptions, id)
	for i, sid := range m.subOrder {
		if sid == id {
			m.subOrder = append(m.subOrder[:i], m.subOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryGateway) ListActiveSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	if err := m.enter("ListActiveSubscriptions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Subscription
	for _, id := range m.subOrder {
		s := m.subscriptions[id]
		if s.Active && !s.Paused {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryGateway) CountSubscriptions(ctx context.Context, subscriberID string) (int, error) {
	if err := m.enter("CountSubscriptions"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.subscriptions {
		if s.SubscriberID == subscriberID && s.Active {
			n++
		}
	}
	return n, nil
}

func (m *MemoryGateway) RecordSubscriptionOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	if err := m.enter("RecordSubscriptionOutcome"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return notFound("subscription", id)
	}
	if success {
		s.TotalEventsProcessed++
	} else {
		s.TotalEventsFailed++
	}
	s.LastEventAt = &at
	m.subscriptions[id] = s
	return nil
}

func (m *MemoryGateway) InsertDelivery(ctx context.Context, d *models.Delivery) error {
	if err := m.enter("InsertDelivery"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries = append(m.deliveries, *d)
	return nil
}

func (m *MemoryGateway) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := m.enter("DeleteDeliveriesBefore"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.deliveries[:0]
	var n int64
	for _, d := range m.deliveries {
		if d.StartedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	m.deliveries = kept
	return n, nil
}

func (m *MemoryGateway) RollupAggregates(ctx context.Context, from, to time.Time) error {
	if err := m.enter("RollupAggregates"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sums := make(map[aggregateKey]*models.EventAggregate)
	durations := make(map[aggregateKey]int64)
	for _, d := range m.deliveries {
		if d.StartedAt.Before(from) || !d.StartedAt.Before(to) {
			continue
		}
		key := aggregateKey{eventName: d.EventName, bucketStart: d.StartedAt.UTC().Truncate(time.Hour)}
		agg, ok := sums[key]
		if !ok {
			agg = &models.EventAggregate{EventName: key.eventName, BucketStart: key.bucketStart}
			sums[key] = agg
		}
		agg.TotalDeliveries++
		if d.Status == models.DeliveryStatusSuccess {
			agg.SuccessCount++
		} else {
			agg.FailureCount++
		}
		durations[key] += d.DurationMs
	}
	for key, agg := range sums {
		agg.AvgDurationMs = float64(durations[key]) / float64(agg.TotalDeliveries)
		m.aggregates[key] = *agg
	}
	return nil
}

func (m *MemoryGateway) GetAggregates(ctx context.Context, since time.Time) ([]models.EventAggregate, error) {
	if err := m.enter("GetAggregates"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.EventAggregate
	for _, agg := range m.aggregates {
		if !agg.BucketStart.Before(since.UTC().Truncate(time.Hour)) {
			out = append(out, agg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].EventName < out[j].EventName
		}
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return out, nil
}

func (m *MemoryGateway) UpsertDeadLetter(ctx context.Context, d *models.DeadLetter) (int, error) {
	if err := m.enter("UpsertDeadLetter"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := deadLetterKey{eventID: d.EventID, subscriptionID: d.SubscriptionID}
	existing, ok := m.deadLetters[key]
	if !ok {
		stored := *d
		stored.EventSnapshot = cloneRaw(d.EventSnapshot)
		if stored.FailureCount < 1 {
			stored.FailureCount = 1
		}
		m.deadLetters[key] = stored
		return stored.FailureCount, nil
	}
	existing.FailureCount++
	existing.FailureReason = d.FailureReason
	existing.LastFailedAt = d.LastFailedAt
	existing.EventSnapshot = cloneRaw(d.EventSnapshot)
	m.deadLetters[key] = existing
	return existing.FailureCount, nil
}

func (m *MemoryGateway) GetDeadLetter(ctx context.Context, eventID, subscriptionID string) (*models.DeadLetter, error) {
	if err := m.enter("GetDeadLetter"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deadLetters[deadLetterKey{eventID: eventID, subscriptionID: subscriptionID}]
	if !ok {
		return nil, notFound("dead letter", eventID+"/"+subscriptionID)
	}
	return &d, nil
}

func (m *MemoryGateway) ListDeadLetters(ctx context.Context, q DeadLetterQuery) ([]models.DeadLetter, error) {
	if err := m.enter("ListDeadLetters"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.DeadLetter
	for _, d := range m.deadLetters {
		if q.SubscriptionID != "" && d.SubscriptionID != q.SubscriptionID {
			continue
		}
		if q.EventName != "" && d.EventName != q.EventName {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastFailedAt.After(out[j].LastFailedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryGateway) DeleteDeadLetter(ctx context.Context, eventID, subscriptionID string) error {
	if err := m.enter("DeleteDeadLetter"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := deadLetterKey{eventID: eventID, subscriptionID: subscriptionID}
	if _, ok := m.deadLetters[key]; !ok {
		return notFound("dead letter", eventID+"/"+subscriptionID)
	}
	delete(m.deadLetters, key)
	return nil
}

func (m *MemoryGateway) GetPluginPermissions(ctx context.Context, pluginID string) (*models.PluginPermissions, error) {
	if err := m.enter("GetPluginPermissions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.permissions[pluginID]
	if !ok {
		return nil, notFound("plugin permissions", pluginID)
	}
	return clonePermissions(p), nil
}

func (m *MemoryGateway) ListPluginPermissions(ctx context.Context) ([]models.PluginPermissions, error) {
	if err := m.enter("ListPluginPermissions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.PluginPermissions, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, *clonePermissions(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out, nil
}

func (m *MemoryGateway) UpsertPluginPermissions(ctx context.Context, p *models.PluginPermissions) error {
	if err := m.enter("UpsertPluginPermissions"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *clonePermissions(*p)
	if existing, ok := m.permissions[p.PluginID]; ok {
		// Counters and the reset time are owned by the quota operations.
		next.EventsEmittedToday = existing.EventsEmittedToday
		next.EventsReceivedToday = existing.EventsReceivedToday
		next.QuotaResetAt = existing.QuotaResetAt
	}
	m.permissions[p.PluginID] = next
	return nil
}

func (m *MemoryGateway) ChargeEmitQuota(ctx context.Context, pluginID string) (bool, error) {
	if err := m.enter("ChargeEmitQuota"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.permissions[pluginID]
	if !ok || p.EventsEmittedToday >= p.MaxEventsPerMinute {
		return false, nil
	}
	p.EventsEmittedToday++
	m.permissions[pluginID] = p
	return true, nil
}

func (m *MemoryGateway) IncrementReceived(ctx context.Context, pluginID string) error {
	if err := m.enter("IncrementReceived"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.permissions[pluginID]
	if !ok {
		return nil
	}
	p.EventsReceivedToday++
	m.permissions[pluginID] = p
	return nil
}

func (m *MemoryGateway) ResetExpiredQuotas(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	if err := m.enter("ResetExpiredQuotas"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.permissions {
		if p.QuotaResetAt.After(now) {
			continue
		}
		p.EventsEmittedToday = 0
		p.EventsReceivedToday = 0
		p.QuotaResetAt = now.Add(window)
		m.permissions[id] = p
		n++
	}
	return n, nil
}

func (m *MemoryGateway) InsertReplay(ctx context.Context, j *models.ReplayJob) error {
	if err := m.enter("InsertReplay"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.replays[j.ReplayID] = *j
	return nil
}

func (m *MemoryGateway) UpdateReplay(ctx context.Context, j *models.ReplayJob) error {
	if err := m.enter("UpdateReplay"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.replays[j.ReplayID]; !ok {
		return notFound("replay", j.ReplayID)
	}
	m.replays[j.ReplayID] = *j
	return nil
}

func (m *MemoryGateway) GetReplay(ctx context.Context, id string) (*models.ReplayJob, error) {
	if err := m.enter("GetReplay"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.replays[id]
	if !ok {
		return nil, notFound("replay", id)
	}
	return &j, nil
}

func (m *MemoryGateway) InTx(ctx context.Context, fn func(Gateway) error) error {
	if err := m.enter("InTx"); err != nil {
		return err
	}
	return fn(m)
}

func (m *MemoryGateway) Ping(ctx context.Context) error {
	return m.enter("Ping")
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func clonePermissions(p models.PluginPermissions) *models.PluginPermissions {
	p.CanEmit = append([]string(nil), p.CanEmit...)
	p.CanSubscribe = append([]string(nil), p.CanSubscribe...)
	return &p
}
