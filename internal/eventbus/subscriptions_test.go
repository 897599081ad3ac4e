package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"eventbus/pkg/models"
)

func sub(id, p string, priority int) models.Subscription {
	return models.Subscription{SubscriptionID: id, EventPattern: p, Priority: priority, Active: true}
}

func ids(subs []indexedSubscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.SubscriptionID)
	}
	return out
}

func noop(context.Context, models.Event, HandlerContext) error { return nil }

func TestSubscriptionRegistry_Match(t *testing.T) {
	r := newSubscriptionRegistry()
	r.add(sub("exact", "user.login", 0), noop)
	r.add(sub("prefix", "user.*", 0), noop)
	r.add(sub("all", "*", 0), noop)
	r.add(sub("middle", "user.*.failed", 0), noop)
	r.add(sub("other", "order.*", 0), noop)

	tests := []struct {
		name string
		want []string
	}{
		{"user.login", []string{"exact", "prefix", "all"}},
		{"user.login.failed", []string{"prefix", "all", "middle"}},
		{"order.created", []string{"all", "other"}},
		{"billing", []string{"all"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(r.match(tt.name)))
		})
	}
}

func TestSubscriptionRegistry_PriorityThenRegistration(t *testing.T) {
	r := newSubscriptionRegistry()
	r.add(sub("a", "x", 1), noop)
	r.add(sub("b", "x", 5), noop)
	r.add(sub("c", "*", 1), noop)
	r.add(sub("d", "x", -3), noop)

	assert.Equal(t, []string{"b", "a", "c", "d"}, ids(r.match("x")))
	assert.Equal(t, []string{"b", "a", "d"}, ids(r.only([]string{"d", "a", "b", "missing"})))
}

func TestSubscriptionRegistry_RemoveCleansBuckets(t *testing.T) {
	r := newSubscriptionRegistry()
	r.add(sub("s1", "a.*.c", 0), noop)
	r.add(sub("s2", "a.b", 0), noop)
	assert.Equal(t, 3, r.bucketCount())

	assert.True(t, r.remove("s1"))
	assert.False(t, r.remove("s1"))
	assert.Equal(t, 1, r.bucketCount())
	assert.Empty(t, r.match("a.x.c"))

	_, ok := r.handler("s1")
	assert.False(t, ok)
	subs, handlers := r.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, handlers)
}

func TestSubscriptionRegistry_ReAddReplaces(t *testing.T) {
	r := newSubscriptionRegistry()
	r.add(sub("s1", "a.b", 0), noop)
	r.add(sub("s1", "c.d", 0), nil)

	assert.Empty(t, r.match("a.b"))
	assert.Equal(t, []string{"s1"}, ids(r.match("c.d")))
	_, ok := r.handler("s1")
	assert.True(t, ok)
}

func TestSubscriptionRegistry_Reload(t *testing.T) {
	r := newSubscriptionRegistry()
	r.add(sub("keep", "a.b", 0), noop)
	r.add(sub("drop", "a.b", 0), noop)

	r.reload([]models.Subscription{sub("keep", "a.b", 0), sub("new", "a.*", 0)})

	assert.Equal(t, []string{"keep", "new"}, ids(r.match("a.b")))
	_, ok := r.handler("keep")
	assert.True(t, ok)
	_, ok = r.handler("drop")
	assert.False(t, ok)
	_, ok = r.handler("new")
	assert.False(t, ok)
}
