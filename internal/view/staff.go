// Package view содержит чистые редьюсеры клиентских представлений заказов:
// снимок плюс поток событий сворачиваются в локальное состояние сессии.
package view

import (
	"sort"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
)

// StaffView — доска сотрудника столовой: активные заказы по типам и история выданных.
// Значение неизменяемо: Apply и Reconcile возвращают новое представление.
type StaffView struct {
	orders map[string]domain.Order
}

// NewStaffView строит представление из снимка ListOrders.
func NewStaffView(snapshot []domain.Order) StaffView {
	v := StaffView{orders: make(map[string]domain.Order, len(snapshot))}
	for _, order := range snapshot {
		v.orders[order.ID] = newer(v.orders[order.ID], order)
	}
	return v
}

// Apply сворачивает одно событие в представление.
// Повторное применение того же события ничего не меняет.
func (v StaffView) Apply(ev events.Event) StaffView {
	switch e := ev.(type) {
	case events.OrderCreated:
		if _, ok := v.orders[e.Order.ID]; ok {
			return v
		}
		return v.with(e.Order)
	case events.OrderStatusUpdated:
		current, ok := v.orders[e.Order.ID]
		if !ok {
			return v.with(e.Order)
		}
		merged := newer(current, e.Order)
		if merged.Status == current.Status && merged.Version == current.Version {
			return v
		}
		return v.with(merged)
	case events.OrderCompleted:
		current, ok := v.orders[e.OrderID]
		if !ok || current.Status == domain.OrderStatusCompleted {
			return v
		}
		current.Status = domain.OrderStatusCompleted
		return v.with(current)
	default:
		return v
	}
}

// Reconcile заменяет состояние свежим снимком. Локальная версия заказа
// сохраняется, только если её статус новее снимка.
func (v StaffView) Reconcile(snapshot []domain.Order) StaffView {
	next := NewStaffView(snapshot)
	for id, order := range next.orders {
		if local, ok := v.orders[id]; ok {
			next.orders[id] = newer(order, local)
		}
	}
	return next
}

// Get возвращает заказ по id.
func (v StaffView) Get(id string) (domain.Order, bool) {
	order, ok := v.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return order.Clone(), true
}

// Len — число заказов в представлении.
func (v StaffView) Len() int {
	return len(v.orders)
}

// Instant — активные заказы «сейчас», новые первыми.
func (v StaffView) Instant() []domain.Order {
	return v.bucket(func(o domain.Order) bool {
		return o.Status != domain.OrderStatusCompleted && o.Type == domain.OrderTypeInstant
	})
}

// Delayed — активные заказы «к сроку», новые первыми.
func (v StaffView) Delayed() []domain.Order {
	return v.bucket(func(o domain.Order) bool {
		return o.Status != domain.OrderStatusCompleted && o.Type == domain.OrderTypeDelayed
	})
}

// History — выданные заказы, новые первыми.
func (v StaffView) History() []domain.Order {
	return v.bucket(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusCompleted
	})
}

func (v StaffView) with(order domain.Order) StaffView {
	next := StaffView{orders: make(map[string]domain.Order, len(v.orders)+1)}
	for id, o := range v.orders {
		next.orders[id] = o
	}
	next.orders[order.ID] = order.Clone()
	return next
}

func (v StaffView) bucket(keep func(domain.Order) bool) []domain.Order {
	result := make([]domain.Order, 0)
	for _, order := range v.orders {
		if keep(order) {
			result = append(result, order.Clone())
		}
	}
	sortNewestFirst(result)
	return result
}

// newer выбирает из двух версий одного заказа более позднюю:
// статус старшего ранга побеждает, при равном статусе побеждает большая версия.
func newer(current, incoming domain.Order) domain.Order {
	if current.ID == "" {
		return incoming
	}
	switch {
	case incoming.Status.Rank() > current.Status.Rank():
		return incoming
	case incoming.Status.Rank() == current.Status.Rank() && incoming.Version > current.Version:
		return incoming
	default:
		return current
	}
}

func sortNewestFirst(orders []domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
