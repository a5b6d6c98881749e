package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/messaging/kafka"
)

// activeBrokers отбрасывает пустые адреса из KAFKA_BROKERS.
func activeBrokers(brokers []string) []string {
	var active []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			active = append(active, b)
		}
	}
	return active
}

// initKafkaProducer возвращает nil без ошибки, если брокеры не заданы: outbox relay тогда выключен.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	active := activeBrokers(brokers)
	if len(active) == 0 {
		logger.Info("kafka brokers not configured, order events stay local")
		return nil, nil
	}

	producer, err := kafka.NewProducer(active,
		kafka.WithClientID("canteen-service"),
		kafka.WithProducerLogger(logger.WithField("layer", "kafka")),
	)
	if err != nil {
		logger.WithError(err).WithField("brokers", active).Warn("kafka unavailable, continuing without outbox relay")
		return nil, err
	}

	logger.WithField("brokers", active).Info("kafka producer ready")
	return producer, nil
}

func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
