package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "canteen"

// ProducerOption настраивает Producer.
type ProducerOption func(*producerOptions)

type producerOptions struct {
	clientID string
	logger   *log.Entry
}

// WithClientID задаёт client.id, под которым сервис виден брокеру.
func WithClientID(id string) ProducerOption {
	return func(o *producerOptions) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithProducerLogger задаёт логгер.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(o *producerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Producer отправляет события заказов синхронно: Publish возвращается
// только после подтверждения всеми репликами.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
}

// newProducerConfig — idempotent producer с подтверждением от всех реплик.
// События одного заказа не должны дублироваться и переставляться.
func newProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	o := producerOptions{clientID: defaultClientID}
	for _, opt := range opts {
		opt(&o)
	}

	sp, err := sarama.NewSyncProducer(brokers, newProducerConfig(o.clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p := NewProducerFromSync(sp)
	if o.logger != nil {
		p.logger = o.logger
	}
	return p, nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer, например из sarama/mocks.
func NewProducerFromSync(sp sarama.SyncProducer) *Producer {
	return &Producer{sync: sp, logger: log.WithField("component", "kafka-producer")}
}

// Send отправляет готовое значение. Ключ определяет партицию.
func (p *Producer) Send(topic, key string, value []byte, headers ...sarama.RecordHeader) error {
	partition, offset, err := p.sync.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: time.Now(),
	})
	fields := log.Fields{"topic": topic, "key": key}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// PublishJSON сериализует v в JSON и отправляет через Send.
func (p *Producer) PublishJSON(topic, key string, v any, headers ...sarama.RecordHeader) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	return p.Send(topic, key, value, headers...)
}

// Close закрывает соединения с брокерами.
func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
