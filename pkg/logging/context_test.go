package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithServiceName(ctx, "eventbus")
	ctx = WithEvent(ctx, "evt-1", "order.created")
	ctx = WithSubscriptionID(ctx, "sub-1")
	ctx = WithTraceID(ctx, "trace-1")

	assert.Equal(t, []interface{}{
		"trace_id", "trace-1",
		"event_id", "evt-1",
		"event_name", "order.created",
		"subscription_id", "sub-1",
		"service_name", "eventbus",
	}, GetLogFields(ctx))

	assert.Equal(t, "evt-1", GetEventID(ctx))
	assert.Equal(t, "sub-1", GetSubscriptionID(ctx))
}

func TestEarlyLog(t *testing.T) {
	var out, errOut strings.Builder
	code := -1
	l := &EarlyLog{out: &out, err: &errOut, exit: func(c int) { code = c }}

	l.Info("loading %s", "config.yaml")
	l.Warn("no tracing endpoint")
	l.Fatal("bad config: %v", "port")

	assert.Equal(t, "INFO: eventbus: loading config.yaml\n", out.String())
	assert.Contains(t, errOut.String(), "WARN: eventbus: no tracing endpoint\n")
	assert.Contains(t, errOut.String(), "FATAL: eventbus: bad config: port\n")
	assert.Equal(t, 1, code)
}
