package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey        contextKey = "trace_id"
	EventIDKey        contextKey = "event_id"
	EventNameKey      contextKey = "event_name"
	SubscriptionIDKey contextKey = "subscription_id"
	ServiceNameKey    contextKey = "service_name"
)

// fieldOrder fixes the order context fields are emitted in.
var fieldOrder = []contextKey{TraceIDKey, EventIDKey, EventNameKey, SubscriptionIDKey, ServiceNameKey}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithEvent(ctx context.Context, eventID, eventName string) context.Context {
	ctx = context.WithValue(ctx, EventIDKey, eventID)
	return context.WithValue(ctx, EventNameKey, eventName)
}

func WithSubscriptionID(ctx context.Context, subscriptionID string) context.Context {
	return context.WithValue(ctx, SubscriptionIDKey, subscriptionID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetEventID(ctx context.Context) string {
	return stringValue(ctx, EventIDKey)
}

func GetSubscriptionID(ctx context.Context) string {
	return stringValue(ctx, SubscriptionIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, len(fieldOrder)*2)
	for _, key := range fieldOrder {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}
	return fields
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
