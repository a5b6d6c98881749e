package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
// Ключ сообщения — id заказа, поэтому события одного заказа попадают в одну партицию.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Topic возвращает целевой topic.
func (p *OutboxTopicPublisher) Topic() string {
	return p.topic
}

func (p *OutboxTopicPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	if !json.Valid(msg.Payload) {
		return fmt.Errorf("outbox message %s: payload is not valid json", msg.ID)
	}

	// события без заказа (order_error при создании) распределяются по id сообщения
	key := msg.OrderID
	if key == "" {
		key = msg.ID
	}

	return p.producer.PublishJSON(p.topic, key, OrderEventMessage{
		ID:          msg.ID,
		OrderID:     msg.OrderID,
		EventType:   msg.EventType,
		Payload:     json.RawMessage(msg.Payload),
		EnqueuedAt:  msg.CreatedAt,
		PublishedAt: p.now(),
	}, sarama.RecordHeader{
		Key:   []byte(HeaderEventType),
		Value: []byte(msg.EventType),
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
