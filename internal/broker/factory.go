package broker

import (
	"eventbus/internal/config"
	"eventbus/internal/logger"
)

// NewDeadLetterProducer returns nil when no brokers are configured.
func NewDeadLetterProducer(cfg config.BrokerConfig, log logger.Logger) *KafkaProducer {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil
	}
	return NewKafkaProducer(cfg.Kafka, log)
}
