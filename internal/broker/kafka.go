package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"eventbus/internal/config"
	"eventbus/internal/constants"
	"eventbus/internal/logger"
	"eventbus/pkg/metrics"
	"eventbus/pkg/models"
	"eventbus/pkg/retry"
	"eventbus/pkg/tracing"
)

const defaultDLQTopic = "eventbus.dead-letters"

// KafkaProducer exports dead-letter notices to a DLQ topic.
type KafkaProducer struct {
	writer Writer
	topic  string
	policy retry.Policy
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return newKafkaProducer(w, cfg, log)
}

func newKafkaProducer(w Writer, cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	topic := cfg.DLQTopic
	if topic == "" {
		topic = defaultDLQTopic
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = cfg.Retry.InitialInterval
	}
	if cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = cfg.Retry.MaxInterval
	}
	if cfg.Retry.Multiplier > 0 {
		policy.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = cfg.Retry.MaxElapsedTime
	}

	return &KafkaProducer{writer: w, topic: topic, policy: policy, logger: log}
}

// NotifyDeadLetter writes one notice keyed by event id so notices for the
// same event land on the same partition.
func (p *KafkaProducer) NotifyDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	body, err := json.Marshal(DeadLetterNotice{
		EventID:        dl.EventID,
		EventName:      dl.EventName,
		SubscriptionID: dl.SubscriptionID,
		FailureReason:  dl.FailureReason,
		FailureCount:   dl.FailureCount,
		FirstFailedAt:  dl.FirstFailedAt,
		LastFailedAt:   dl.LastFailedAt,
		Event:          dl.EventSnapshot,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter notice: %w", err)
	}

	headers := []kafka.Header{
		{Key: constants.DeadLetterHeaderEventName, Value: []byte(dl.EventName)},
		{Key: constants.DeadLetterHeaderSubscriptionID, Value: []byte(dl.SubscriptionID)},
	}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(dl.EventID),
		Value:   body,
		Headers: headers,
		Time:    dl.LastFailedAt,
	}

	start := time.Now()
	err = retry.RetryWithCallback(ctx, p.policy, func() error {
		return p.writer.WriteMessages(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		p.logger.WarnwCtx(ctx, "Retrying dead letter notice",
			"attempt", attempt,
			"next_delay", nextDelay,
			"topic", p.topic,
			"error", err,
		)
	})
	metrics.ObserveKafkaWriteDuration(p.topic, time.Since(start))

	if err != nil {
		metrics.IncDLQMessage(p.topic, "failed")
		return fmt.Errorf("failed to write dead letter notice: %w", err)
	}
	metrics.IncDLQMessage(p.topic, "sent")
	p.logger.DebugwCtx(ctx, "Dead letter notice sent",
		"topic", p.topic,
		"failure_count", dl.FailureCount,
	)
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
