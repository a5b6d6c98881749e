package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

const (
	defaultOutboxBatch = 100

	outboxStatePending = "pending"
	outboxStateSent    = "sent"
	outboxStateFailed  = "failed"
)

// OutboxRepository хранит события заказов в таблице order_outbox.
type OutboxRepository struct {
	store *Store
}

// NewOutboxRepository создаёт PostgreSQL-реализацию domain.OutboxRepository.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{store: store}
}

func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := opContext()
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.store.exec(ctx,
		`INSERT INTO order_outbox (id, order_id, event_type, payload, state, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.OrderID, msg.EventType, msg.Payload, outboxStatePending, msg.CreatedAt)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for order %s: %w", msg.EventType, msg.OrderID, err)
	}
	return msg, nil
}

func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := opContext()
	defer cancel()

	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, order_id, event_type, payload, enqueued_at
		 FROM order_outbox
		 WHERE state = $1
		 ORDER BY enqueued_at, id
		 LIMIT $2`, outboxStatePending, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox: %w", err)
	}
	defer rows.Close()

	var pending []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.OrderID, &msg.EventType, &msg.Payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		pending = append(pending, msg)
	}
	return pending, rows.Err()
}

func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := opContext()
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(enqueued_at) FROM order_outbox WHERE state = $1`,
		outboxStatePending).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.settle(id, outboxStateSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.settle(id, outboxStateFailed)
}

// settle закрывает pending-событие. Уже закрытое событие не трогается.
func (r *OutboxRepository) settle(id, state string) error {
	ctx, cancel := opContext()
	defer cancel()

	n, err := r.store.exec(ctx,
		`UPDATE order_outbox SET state = $2, settled_at = $3
		 WHERE id = $1 AND state = $4`,
		id, state, time.Now().UTC(), outboxStatePending)
	if err != nil {
		return fmt.Errorf("settle outbox %s as %s: %w", id, state, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: pending message %s not found", domain.ErrOutboxPublish, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
