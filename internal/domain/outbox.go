package domain

import "time"

// OutboxMessage — событие заказа, записанное вместе с изменением заказа
// и ожидающее отправки в Kafka. Payload содержит конверт {type, payload}.
type OutboxMessage struct {
	ID        string
	OrderID   string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// OutboxStats описывает backlog неотправленных событий.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Lag возвращает возраст самого старого неотправленного события.
func (s OutboxStats) Lag(now time.Time) time.Duration {
	if s.PendingCount == 0 || s.OldestPendingAt.IsZero() || now.Before(s.OldestPendingAt) {
		return 0
	}
	return now.Sub(s.OldestPendingAt)
}

// OutboxRepository хранит события до подтверждения брокером.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	// PullPending отдаёт события в порядке постановки, не больше limit.
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	// MarkFailed снимает событие с отправки после исчерпания попыток.
	MarkFailed(id string) error
}

// OutboxPublisher отправляет событие во внешний брокер.
type OutboxPublisher interface {
	Publish(msg OutboxMessage) error
}
