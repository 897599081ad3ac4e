package eventbus

import (
	"sync"

	"eventbus/internal/logger"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
)

// Listener observes events on the in-process channel. It runs synchronously
// after subscription dispatch and never affects delivery bookkeeping.
type Listener func(models.Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// localChannel fans events out to same-process listeners keyed by event name.
// Listeners run outside the lock, so a listener may publish or listen again.
// Each registration has its own id, so two listeners built from the same
// function literal are released independently.
type localChannel struct {
	logger logger.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners map[string][]listenerEntry
}

func newLocalChannel(log logger.Logger) *localChannel {
	return &localChannel{
		logger:    log,
		listeners: make(map[string][]listenerEntry),
	}
}

// listen registers fn for eventName and returns a function that removes it.
func (c *localChannel) listen(eventName string, fn Listener) (func(), error) {
	if eventName == "" || fn == nil {
		return nil, apperrors.ErrValidation.WithMessage("local listener needs an event name and a function")
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[eventName] = append(c.listeners[eventName], listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(eventName, id) })
	}, nil
}

func (c *localChannel) remove(eventName string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.listeners[eventName]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.listeners, eventName)
		return
	}
	c.listeners[eventName] = entries
}

// emit calls the listeners registered for event's name when emit started.
// Listeners added during the call first see the next event.
func (c *localChannel) emit(event models.Event) {
	c.mu.Lock()
	entries := c.listeners[event.EventName]
	c.mu.Unlock()

	for _, e := range entries {
		c.invoke(e.fn, event)
	}
}

func (c *localChannel) invoke(fn Listener, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("Local listener panicked",
				"event_name", event.EventName,
				"event_id", event.EventID,
				"error", apperrors.RecoverPanic(r),
			)
		}
	}()
	fn(event)
}

func (c *localChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entries := range c.listeners {
		n += len(entries)
	}
	return n
}

func (c *localChannel) topics() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// close releases every listener.
func (c *localChannel) close() {
	c.mu.Lock()
	c.listeners = make(map[string][]listenerEntry)
	c.mu.Unlock()
}
