// Package events описывает закрытый набор событий и команд канала реального времени.
package events

import (
	"fmt"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// Kind — тег варианта события или команды на проводе.
type Kind string

const (
	KindOrderCreated       Kind = "order_created"
	KindOrderStatusUpdated Kind = "order_status_updated"
	KindOrderCompleted     Kind = "order_completed"
	KindOrderError         Kind = "order_error"
	KindResync             Kind = "resync"

	KindCreateOrder       Kind = "create_order"
	KindUpdateOrderStatus Kind = "update_order_status"
)

// Event — событие сервер → клиент. Реализуется только типами этого пакета.
type Event interface {
	Kind() Kind
	// AggregateID возвращает id заказа, к которому относится событие ("" если не относится).
	AggregateID() string
	isEvent()
}

// Command — запрос клиент → сервер по каналу событий.
type Command interface {
	Kind() Kind
	isCommand()
}

// OrderCreated рассылается всем после фиксации нового заказа.
type OrderCreated struct {
	Order domain.Order
}

// OrderStatusUpdated рассылается всем после фиксации нового статуса.
type OrderStatusUpdated struct {
	Order domain.Order
}

// OrderCompleted рассылается один раз на переход в completed.
type OrderCompleted struct {
	OrderID     string
	StudentName string
	Items       []domain.OrderItem
	Message     string
}

// OrderError отправляется только сессии, которая прислала неудачную команду.
type OrderError struct {
	Message string
	OrderID string
}

// Resync просит клиента заново загрузить снимок: часть событий была потеряна.
type Resync struct{}

func (OrderCreated) Kind() Kind       { return KindOrderCreated }
func (OrderStatusUpdated) Kind() Kind { return KindOrderStatusUpdated }
func (OrderCompleted) Kind() Kind     { return KindOrderCompleted }
func (OrderError) Kind() Kind         { return KindOrderError }
func (Resync) Kind() Kind             { return KindResync }

func (e OrderCreated) AggregateID() string       { return e.Order.ID }
func (e OrderStatusUpdated) AggregateID() string { return e.Order.ID }
func (e OrderCompleted) AggregateID() string     { return e.OrderID }
func (e OrderError) AggregateID() string         { return e.OrderID }
func (Resync) AggregateID() string               { return "" }

func (OrderCreated) isEvent()       {}
func (OrderStatusUpdated) isEvent() {}
func (OrderCompleted) isEvent()     {}
func (OrderError) isEvent()         {}
func (Resync) isEvent()             {}

// NewOrderCompleted собирает уведомление о выдаче заказа.
func NewOrderCompleted(order domain.Order) OrderCompleted {
	return OrderCompleted{
		OrderID:     order.ID,
		StudentName: order.StudentName,
		Items:       append([]domain.OrderItem(nil), order.Items...),
		Message:     CompletionMessage(order.ID, order.StudentName),
	}
}

// CompletionMessage формирует текст уведомления для покупателя.
func CompletionMessage(orderID, studentName string) string {
	return fmt.Sprintf("Order %s for %s has been completed.", orderID, studentName)
}

// CreateOrder — команда создания заказа. TotalPrice необязателен.
type CreateOrder struct {
	StudentName string
	Items       []domain.OrderItem
	Type        domain.OrderType
	TotalPrice  *int64
}

// UpdateOrderStatus — команда смены статуса заказа.
type UpdateOrderStatus struct {
	OrderID string
	Status  domain.OrderStatus
}

func (CreateOrder) Kind() Kind       { return KindCreateOrder }
func (UpdateOrderStatus) Kind() Kind { return KindUpdateOrderStatus }

func (CreateOrder) isCommand()       {}
func (UpdateOrderStatus) isCommand() {}
