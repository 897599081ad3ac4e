package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbus/internal/config"
	"eventbus/internal/constants"
	"eventbus/internal/logger"
	"eventbus/internal/testinfra"
	"eventbus/pkg/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	messages []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func fastKafkaConfig() config.KafkaConfig {
	return config.KafkaConfig{
		DLQTopic: "dlq.test",
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		},
	}
}

func sampleDeadLetter() models.DeadLetter {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.DeadLetter{
		EventID:        "evt-1",
		SubscriptionID: "sub-1",
		EventName:      "order.created",
		EventSnapshot:  json.RawMessage(`{"event_id":"evt-1"}`),
		FailureReason:  "boom",
		FailureCount:   2,
		FirstFailedAt:  at.Add(-time.Minute),
		LastFailedAt:   at,
	}
}

func TestKafkaProducer_NotifyDeadLetter(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaProducer(w, fastKafkaConfig(), logger.NopLogger())

	require.NoError(t, p.NotifyDeadLetter(context.Background(), sampleDeadLetter()))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "dlq.test", msg.Topic)
	assert.Equal(t, "evt-1", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "order.created", headers[constants.DeadLetterHeaderEventName])
	assert.Equal(t, "sub-1", headers[constants.DeadLetterHeaderSubscriptionID])

	var notice DeadLetterNotice
	require.NoError(t, json.Unmarshal(msg.Value, &notice))
	assert.Equal(t, 2, notice.FailureCount)
	assert.Equal(t, "boom", notice.FailureReason)
	assert.JSONEq(t, `{"event_id":"evt-1"}`, string(notice.Event))
}

func TestKafkaProducer_RetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newKafkaProducer(w, fastKafkaConfig(), logger.NopLogger())

	require.NoError(t, p.NotifyDeadLetter(context.Background(), sampleDeadLetter()))
	assert.Len(t, w.messages, 1)
}

func TestKafkaProducer_GivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newKafkaProducer(w, fastKafkaConfig(), logger.NopLogger())

	err := p.NotifyDeadLetter(context.Background(), sampleDeadLetter())
	assert.Error(t, err)
	assert.Empty(t, w.messages)
}

func TestKafkaProducer_DefaultTopic(t *testing.T) {
	p := newKafkaProducer(&fakeWriter{}, config.KafkaConfig{}, logger.NopLogger())
	assert.Equal(t, defaultDLQTopic, p.topic)
	require.NoError(t, p.Close())
}

func TestNewDeadLetterProducer_DisabledWithoutBrokers(t *testing.T) {
	assert.Nil(t, NewDeadLetterProducer(config.BrokerConfig{}, logger.NopLogger()))
}

func TestKafkaProducer_Integration(t *testing.T) {
	brokers := testinfra.Kafka(t)

	cfg := config.KafkaConfig{
		Brokers:  brokers,
		DLQTopic: "eventbus.dlq.it",
		Retry: config.RetryConfig{
			MaxAttempts:     10,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
		},
	}
	p := NewKafkaProducer(cfg, logger.NopLogger())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, p.NotifyDeadLetter(ctx, sampleDeadLetter()))

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     cfg.DLQTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	msg, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", string(msg.Key))
}
