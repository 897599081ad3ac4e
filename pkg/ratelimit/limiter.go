package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

// KeyedLimiter keeps one token bucket per key and evicts keys idle for longer than maxAge.
type KeyedLimiter struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	maxAge   time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewKeyedLimiter(cleanupInterval, maxAge time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		entries: make(map[string]*entry),
		maxAge:  maxAge,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go kl.cleanupLoop(cleanupInterval)
	}
	return kl
}

// Allow consumes a token for key, creating a bucket with the given limit and burst on first use.
// A bucket whose limit or burst differs from the requested one is resized in place.
func (kl *KeyedLimiter) Allow(key string, limit rate.Limit, burst int) bool {
	return kl.touch(key, limit, burst).Allow()
}

// Reserve takes a token for key like Allow and returns a function that puts
// it back, for callers that may still reject the request afterwards.
func (kl *KeyedLimiter) Reserve(key string, limit rate.Limit, burst int) (cancel func(), ok bool) {
	r := kl.touch(key, limit, burst).Reserve()
	if !r.OK() {
		return nil, false
	}
	if r.Delay() > 0 {
		r.Cancel()
		return nil, false
	}
	return r.Cancel, true
}

func (kl *KeyedLimiter) touch(key string, limit rate.Limit, burst int) *rate.Limiter {
	e := kl.get(key, limit, burst)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = time.Now()
	if e.limiter.Limit() != limit {
		e.limiter.SetLimit(limit)
	}
	if e.limiter.Burst() != burst {
		e.limiter.SetBurst(burst)
	}
	return e.limiter
}

// Remaining reports the whole tokens left for key, or burst when the key is unknown.
func (kl *KeyedLimiter) Remaining(key string, burst int) int {
	kl.mu.RLock()
	e, ok := kl.entries[key]
	kl.mu.RUnlock()
	if !ok {
		return burst
	}
	remaining := int(e.limiter.Tokens())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (kl *KeyedLimiter) Forget(key string) {
	kl.mu.Lock()
	delete(kl.entries, key)
	kl.mu.Unlock()
}

func (kl *KeyedLimiter) Len() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.entries)
}

func (kl *KeyedLimiter) Stop() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
}

func (kl *KeyedLimiter) get(key string, limit rate.Limit, burst int) *entry {
	kl.mu.RLock()
	e, ok := kl.entries[key]
	kl.mu.RUnlock()
	if ok {
		return e
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	if e, ok = kl.entries[key]; !ok {
		e = &entry{limiter: rate.NewLimiter(limit, burst), lastSeen: time.Now()}
		kl.entries[key] = e
	}
	return e
}

func (kl *KeyedLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			kl.evictIdle(time.Now())
		}
	}
}

func (kl *KeyedLimiter) evictIdle(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, e := range kl.entries {
		e.mu.Lock()
		lastSeen := e.lastSeen
		e.mu.Unlock()
		if now.Sub(lastSeen) > kl.maxAge {
			delete(kl.entries, key)
		}
	}
}
