package postgres

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// TimelineRepository пишет историю статусов в timeline_events.
// Порядок внутри заказа: occurred, затем порядок вставки (id).
type TimelineRepository struct {
	store *Store
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{store: store}
}

func (r *TimelineRepository) Append(event domain.TimelineEvent) error {
	if event.Occurred.IsZero() {
		event.Occurred = time.Now()
	}

	ctx, cancel := opContext()
	defer cancel()

	_, err := r.store.exec(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, event.Reason, event.Occurred.UTC())
	switch {
	case err == nil:
		return nil
	case sqlState(err) == codeForeignKeyViolation:
		return fmt.Errorf("timeline for %s: %w", event.OrderID, domain.ErrOrderNotFound)
	default:
		return fmt.Errorf("append %s to timeline of %s: %w", event.Type, event.OrderID, err)
	}
}

func (r *TimelineRepository) List(orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := opContext()
	defer cancel()

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT type, reason, occurred FROM timeline_events
		 WHERE order_id = $1
		 ORDER BY occurred, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("timeline of %s: %w", orderID, err)
	}
	defer rows.Close()

	history := []domain.TimelineEvent{}
	for rows.Next() {
		ev := domain.TimelineEvent{OrderID: orderID}
		if err := rows.Scan(&ev.Type, &ev.Reason, &ev.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline of %s: %w", orderID, err)
		}
		ev.Occurred = ev.Occurred.UTC()
		history = append(history, ev)
	}
	return history, rows.Err()
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
