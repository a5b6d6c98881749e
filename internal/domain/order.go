package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа в столовой.
type OrderStatus string

const (
	// OrderStatusPending — заказ принят, кухня ещё не приступила.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPreparing — заказ готовится.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusCompleted — заказ выдан, терминальный статус.
	OrderStatusCompleted OrderStatus = "completed"
)

// OrderType задаётся каталогом, из которого покупатель собирал корзину.
type OrderType string

const (
	// OrderTypeInstant — блюда быстрой выдачи.
	OrderTypeInstant OrderType = "instant"
	// OrderTypeDelayed — блюда, которые готовятся заранее.
	OrderTypeDelayed OrderType = "delayed"
)

// Valid проверяет, что тип относится к поддерживаемым значениям.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeInstant, OrderTypeDelayed:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal возвращает true для статусов, после которых переходов нет.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted
}

// Rank возвращает позицию статуса в жизненном цикле (-1 для неизвестных).
func (s OrderStatus) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

var statusRank = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusPreparing: 1,
	OrderStatusCompleted: 2,
}

// transitions — таблица разрешённых переходов (current, requested).
// Всё, чего нет в таблице, запрещено: повтор статуса, откат назад, выход из completed.
var transitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusPreparing: true,
		OrderStatusCompleted: true,
	},
	OrderStatusPreparing: {
		OrderStatusCompleted: true,
	},
}

// CanTransition сообщает, разрешён ли переход from → to.
func CanTransition(from, to OrderStatus) bool {
	return transitions[from][to]
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// Name уникален в пределах заказа.
	Name string
	// Quantity — количество порций, не меньше 1.
	Quantity int32
	// Price — цена за порцию в минимальных единицах на момент заказа.
	Price int64
}

// Subtotal возвращает стоимость позиции.
func (i OrderItem) Subtotal() int64 {
	return int64(i.Quantity) * i.Price
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID          string
	StudentName string
	Items       []OrderItem
	Type        OrderType
	Status      OrderStatus
	TotalPrice  int64
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemsTotal считает сумму по позициям: Σ price × quantity.
func ItemsTotal(items []OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.StudentName) == "" {
		errs = append(errs, ErrStudentNameRequired)
	}
	if !o.Type.Valid() {
		errs = append(errs, ErrOrderTypeInvalid)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrOrderStatusInvalid)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	seen := make(map[string]struct{}, len(o.Items))
	for _, item := range o.Items {
		if strings.TrimSpace(item.Name) == "" {
			errs = append(errs, ErrItemNameRequired)
		}
		if item.Quantity < 1 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if _, dup := seen[item.Name]; dup {
			errs = append(errs, ErrItemDuplicate)
		}
		seen[item.Name] = struct{}{}
	}

	if o.TotalPrice != ItemsTotal(o.Items) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Clone возвращает копию заказа, не разделяющую слайс позиций.
func (o Order) Clone() Order {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	return dst
}
