package eventbus

import (
	"sort"
	"sync"

	"eventbus/internal/pattern"
	"eventbus/pkg/models"
)

type indexedSubscription struct {
	models.Subscription
	// seq is the registration order used to break priority ties.
	seq uint64
}

// subscriptionRegistry holds the pattern index and the handler registry.
// Every subscription id is stored in the bucket of its pattern and in the
// bucket of each prefix of the pattern that ends in a wildcard segment.
type subscriptionRegistry struct {
	mu       sync.RWMutex
	seq      uint64
	subs     map[string]*indexedSubscription
	buckets  map[string][]string
	handlers map[string]Handler
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs:     make(map[string]*indexedSubscription),
		buckets:  make(map[string][]string),
		handlers: make(map[string]Handler),
	}
}

func (r *subscriptionRegistry) add(sub models.Subscription, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.SubscriptionID]; ok {
		r.unindex(sub.SubscriptionID)
	}
	r.index(sub)
	if h != nil {
		r.handlers[sub.SubscriptionID] = h
	}
}

func (r *subscriptionRegistry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.subs[id]
	if known {
		r.unindex(id)
	}
	_, hadHandler := r.handlers[id]
	delete(r.handlers, id)
	return known || hadHandler
}

// reload rebuilds the index from subs. Handlers survive for ids still present.
func (r *subscriptionRegistry) reload(subs []models.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[string]*indexedSubscription, len(subs))
	r.buckets = make(map[string][]string)
	r.seq = 0
	for _, sub := range subs {
		r.index(sub)
	}
	for id := range r.handlers {
		if _, ok := r.subs[id]; !ok {
			delete(r.handlers, id)
		}
	}
}

func (r *subscriptionRegistry) index(sub models.Subscription) {
	r.seq++
	r.subs[sub.SubscriptionID] = &indexedSubscription{Subscription: sub, seq: r.seq}
	for _, key := range pattern.IndexKeys(sub.EventPattern) {
		r.buckets[key] = append(r.buckets[key], sub.SubscriptionID)
	}
}

func (r *subscriptionRegistry) unindex(id string) {
	sub := r.subs[id]
	delete(r.subs, id)
	for _, key := range pattern.IndexKeys(sub.EventPattern) {
		ids := r.buckets[key]
		for i, v := range ids {
			if v == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(r.buckets, key)
		} else {
			r.buckets[key] = ids
		}
	}
}

// match returns the subscriptions whose pattern matches eventName, ordered by
// descending priority and then registration order.
func (r *subscriptionRegistry) match(eventName string) []indexedSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []indexedSubscription
	collect := func(ids []string) {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			sub := r.subs[id]
			// Prefix buckets are broader than the patterns stored in them.
			if pattern.Match(sub.EventPattern, eventName) {
				out = append(out, *sub)
			}
		}
	}

	collect(r.buckets[eventName])
	for key, ids := range r.buckets {
		if key != eventName && pattern.IsWildcard(key) && pattern.Match(key, eventName) {
			collect(ids)
		}
	}

	sortByPriority(out)
	return out
}

// only returns the given subscriptions that are still registered, in dispatch order.
func (r *subscriptionRegistry) only(ids []string) []indexedSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []indexedSubscription
	for _, id := range ids {
		if sub, ok := r.subs[id]; ok {
			out = append(out, *sub)
		}
	}
	sortByPriority(out)
	return out
}

func (r *subscriptionRegistry) get(id string) (models.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return models.Subscription{}, false
	}
	return sub.Subscription, true
}

func (r *subscriptionRegistry) handler(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

func (r *subscriptionRegistry) counts() (subscriptions, handlers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs), len(r.handlers)
}

func (r *subscriptionRegistry) bucketCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

func sortByPriority(subs []indexedSubscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].Priority != subs[j].Priority {
			return subs[i].Priority > subs[j].Priority
		}
		return subs[i].seq < subs[j].seq
	})
}
