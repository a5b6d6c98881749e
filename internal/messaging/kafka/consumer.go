package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/events"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

// ErrUndecodable — сообщение не является событием заказа. Повторять его бесполезно.
var ErrUndecodable = errors.New("undecodable order event")

// OrderEventHandler получает разобранное событие заказа.
type OrderEventHandler func(ctx context.Context, msg *OrderEventMessage, ev events.Event) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ включает отправку необработанных сообщений в dead letter topic.
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = producer
		if topic != "" {
			c.dlqTopic = topic
		}
	}
}

// WithMaxRetries задаёт число попыток обработки одного сообщения.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay задаёт паузу между попытками.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithOldestOffset читает topic с начала для новой consumer group.
func WithOldestOffset() ConsumerOption {
	return func(c *Consumer) {
		c.initialOffset = sarama.OffsetOldest
	}
}

// WithConsumerLogger задаёт логгер.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает события заказов в составе consumer group.
// Нераспознанные сообщения сразу уходят в DLQ, ошибки обработчика повторяются.
type Consumer struct {
	group         sarama.ConsumerGroup
	topics        []string
	handle        OrderEventHandler
	logger        *log.Entry
	wg            sync.WaitGroup
	dlq           *Producer
	dlqTopic      string
	maxRetries    int
	retryDelay    time.Duration
	initialOffset int64
}

func newConsumer(topics []string, handle OrderEventHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		topics:        topics,
		handle:        handle,
		logger:        log.WithField("component", "kafka-consumer"),
		dlqTopic:      TopicDeadLetterQueue,
		maxRetries:    defaultMaxRetries,
		retryDelay:    defaultRetryDelay,
		initialOffset: sarama.OffsetNewest,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewConsumer подключается к брокерам как участник группы groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handle OrderEventHandler, opts ...ConsumerOption) (*Consumer, error) {
	c := newConsumer(topics, handle, opts...)

	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = c.initialOffset
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %s: %w", groupID, err)
	}
	c.group = group
	return c, nil
}

// Start запускает чтение в фоне до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for ctx.Err() == nil {
			// после rebalance Consume возвращается, его нужно вызывать снова
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("consume failed")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	err := c.group.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции по порядку.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(session.Context(), message); err != nil {
				// offset не коммитится: сообщение перечитается после рестарта
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("order event not processed")
				continue
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// process разбирает сообщение и передаёт его обработчику с повторами.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	msg, ev, err := decodeOrderEvent(message)
	if err != nil {
		return c.deadLetter(message, err, retryCount(message))
	}

	attempt := retryCount(message)
	for {
		err = c.handle(ctx, msg, ev)
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= c.maxRetries {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"order_id":   msg.OrderID,
			"event_type": msg.EventType,
			"attempt":    attempt,
		}).Warn("order event handler failed, retrying")

		if c.retryDelay > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return c.deadLetter(message, err, attempt)
}

func decodeOrderEvent(message *sarama.ConsumerMessage) (*OrderEventMessage, events.Event, error) {
	msg, err := ParseOrderEventMessage(message)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	ev, err := msg.Event()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return msg, ev, nil
}

func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

// deadLetter перекладывает сообщение в DLQ. Без DLQ возвращает исходную ошибку.
func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, cause error, attempts int) error {
	if c.dlq == nil {
		return cause
	}

	failedAt := time.Now().UTC().Format(time.RFC3339)
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        attempts,
	}
	err := c.dlq.PublishJSON(c.dlqTopic, string(message.Key), letter,
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(attempts))},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(cause.Error())},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(failedAt)},
	)
	if err != nil {
		return fmt.Errorf("dead-letter %s/%d@%d: %w", message.Topic, message.Partition, message.Offset, err)
	}

	c.logger.WithError(cause).WithFields(log.Fields{
		"topic":    message.Topic,
		"offset":   message.Offset,
		"attempts": attempts,
	}).Warn("order event moved to DLQ")
	return nil
}
