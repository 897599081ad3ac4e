package metrics

import (
	"time"
)

// Sink receives the bus's counters and gauges.
type Sink interface {
	EventPublished(eventName, sourceType string)
	PublishRejected(reason string)
	DeliveryRecorded(eventName string, success bool, duration time.Duration)
	DeadLettered(eventName string)
	SetSubscriptions(n int)
	SetHandlers(n int)
	SetQueueDepth(n int)
}

type PrometheusSink struct{}

func NewPrometheusSink() *PrometheusSink {
	Register()
	return &PrometheusSink{}
}

func (PrometheusSink) EventPublished(eventName, sourceType string) {
	EventsPublishedTotal.WithLabelValues(eventName, sourceType).Inc()
}

func (PrometheusSink) PublishRejected(reason string) {
	PublishRejectedTotal.WithLabelValues(reason).Inc()
}

func (PrometheusSink) DeliveryRecorded(eventName string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	DeliveriesTotal.WithLabelValues(eventName, status).Inc()
	DeliveryDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func (PrometheusSink) DeadLettered(eventName string) {
	DeadLettersTotal.WithLabelValues(eventName).Inc()
}

func (PrometheusSink) SetSubscriptions(n int) {
	ActiveSubscriptions.Set(float64(n))
}

func (PrometheusSink) SetHandlers(n int) {
	RegisteredHandlers.Set(float64(n))
}

func (PrometheusSink) SetQueueDepth(n int) {
	AsyncQueueDepth.Set(float64(n))
}

type NopSink struct{}

func (NopSink) EventPublished(string, string)                {}
func (NopSink) PublishRejected(string)                       {}
func (NopSink) DeliveryRecorded(string, bool, time.Duration) {}
func (NopSink) DeadLettered(string)                          {}
func (NopSink) SetSubscriptions(int)                         {}
func (NopSink) SetHandlers(int)                              {}
func (NopSink) SetQueueDepth(int)                            {}
