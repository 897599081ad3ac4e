package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total number of events accepted by publish (count)",
		},
		[]string{"event_name", "source_type"},
	)

	PublishRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_publish_rejected_total",
			Help: "Total number of publish calls rejected before persistence (count)",
		},
		[]string{"reason"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_deliveries_total",
			Help: "Total number of handler invocations (count)",
		},
		[]string{"event_name", "status"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventbus_delivery_duration_ms",
			Help:    "Handler execution duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"status"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_dead_letters_total",
			Help: "Total number of failed deliveries written to the dead letter table (count)",
		},
		[]string{"event_name"},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_active_subscriptions",
			Help: "Number of subscriptions in the in-memory index (count)",
		},
	)

	RegisteredHandlers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_registered_handlers",
			Help: "Number of registered subscription handlers (count)",
		},
	)

	AsyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_async_queue_depth",
			Help: "Number of async events waiting for the drain loop (count)",
		},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of dead-letter notices exported to Kafka (count)",
		},
		[]string{"topic", "status"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"topic"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"scope", "status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsPublishedTotal,
			PublishRejectedTotal,
			DeliveriesTotal,
			DeliveryDuration,
			DeadLettersTotal,
			ActiveSubscriptions,
			RegisteredHandlers,
			AsyncQueueDepth,
			DLQMessagesTotal,
			KafkaWriteDuration,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
		)
	})
}

func ObserveKafkaWriteDuration(topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(topic).Observe(float64(duration.Milliseconds()))
}

func IncDLQMessage(topic, status string) {
	DLQMessagesTotal.WithLabelValues(topic, status).Inc()
}

func IncRateLimit(scope string, allowed bool) {
	status := "allowed"
	if !allowed {
		status = "limited"
	}
	RateLimitRequestsTotal.WithLabelValues(scope, status).Inc()
}
