package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/canteen/internal/events"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "canteen.order.events"
	TopicDeadLetterQueue = "canteen.order.events.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderEventMessage — значение сообщения в topic событий заказов.
// Payload содержит конверт {type, payload} канала событий.
type OrderEventMessage struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	PublishedAt time.Time       `json:"published_at"`
}

// DeadLetter — значение сообщения в DLQ.
type DeadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// ParseOrderEventMessage разбирает сообщение topic событий заказов.
func ParseOrderEventMessage(message *sarama.ConsumerMessage) (*OrderEventMessage, error) {
	var msg OrderEventMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event message: %w", err)
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("order event message has no event_type")
	}
	return &msg, nil
}

// Event декодирует типизированное событие из payload.
func (m *OrderEventMessage) Event() (events.Event, error) {
	ev, err := events.DecodeEvent(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.EventType, err)
	}
	if string(ev.Kind()) != m.EventType {
		return nil, fmt.Errorf("%w: event_type %s does not match payload type %s", events.ErrMalformed, m.EventType, ev.Kind())
	}
	return ev, nil
}
