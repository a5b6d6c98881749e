package memory

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// OutboxRepository — очередь событий заказов в памяти.
// Отправленные и отброшенные события удаляются из очереди сразу.
type OutboxRepository struct {
	mu      sync.Mutex
	queue []domain.OutboxMessage
	now   func() time.Time
}

// NewOutboxRepository создаёт пустую очередь.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue ставит событие в конец очереди.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.Payload = slices.Clone(msg.Payload)
	r.queue = append(r.queue, msg)
	return msg, nil
}

// PullPending возвращает голову очереди, не больше limit событий.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	pending := r.AllPending()
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Stats считает backlog по очереди.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := domain.OutboxStats{PendingCount: len(r.queue)}
	if len(r.queue) > 0 {
		stats.OldestPendingAt = r.queue[0].CreatedAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.settle(id)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.settle(id)
}

// AllPending возвращает копию очереди.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.OutboxMessage, len(r.queue))
	for i, msg := range r.queue {
		msg.Payload = slices.Clone(msg.Payload)
		out[i] = msg
	}
	return out
}

func (r *OutboxRepository) settle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.queue, func(m domain.OutboxMessage) bool { return m.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: pending message %s not found", domain.ErrOutboxPublish, id)
	}
	r.queue = slices.Delete(r.queue, idx, idx+1)
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
