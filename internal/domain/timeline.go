package domain

import "time"

// TimelineEventStatusChanged фиксирует принятый статус заказа.
const TimelineEventStatusChanged = "OrderStatusChanged"

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// TimelineRepository хранит историю статусов заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}
