package view

import (
	"sort"
	"time"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
)

// Ориентировочное время приготовления для обратного отсчёта у покупателя.
const (
	InstantPreparation = 5 * time.Minute
	DelayedPreparation = 20 * time.Minute
)

// EstimatedPreparation возвращает ожидаемое время приготовления заказа данного типа.
func EstimatedPreparation(t domain.OrderType) time.Duration {
	if t == domain.OrderTypeDelayed {
		return DelayedPreparation
	}
	return InstantPreparation
}

// TrackedOrder — заказ, отслеживаемый сессией покупателя.
type TrackedOrder struct {
	Order   domain.Order
	ReadyBy time.Time
	// Completion заполняется при получении order_completed.
	Completion *Completion
}

// Completion — сигнал о выдаче заказа.
type Completion struct {
	OrderID string
	Message string
}

// CustomerView отслеживает только заказы своей сессии.
// Чужие события игнорируются.
type CustomerView struct {
	tracked map[string]TrackedOrder
}

// NewCustomerView создаёт пустое представление покупателя.
func NewCustomerView() CustomerView {
	return CustomerView{tracked: map[string]TrackedOrder{}}
}

// Track начинает отслеживание заказа и запускает обратный отсчёт от createdAt.
func (v CustomerView) Track(order domain.Order) CustomerView {
	if existing, ok := v.tracked[order.ID]; ok {
		existing.Order = newer(existing.Order, order)
		return v.with(existing)
	}
	tracked := TrackedOrder{
		Order:   order.Clone(),
		ReadyBy: order.CreatedAt.Add(EstimatedPreparation(order.Type)),
	}
	if order.Status == domain.OrderStatusCompleted {
		tracked.Completion = &Completion{OrderID: order.ID, Message: events.CompletionMessage(order.ID, order.StudentName)}
	}
	return v.with(tracked)
}

// Apply сворачивает событие. signal != nil ровно один раз на заказ:
// при первом переходе отслеживаемого заказа в completed.
func (v CustomerView) Apply(ev events.Event) (next CustomerView, signal *Completion) {
	switch e := ev.(type) {
	case events.OrderStatusUpdated:
		tracked, ok := v.tracked[e.Order.ID]
		if !ok {
			return v, nil
		}
		merged := newer(tracked.Order, e.Order)
		if merged.Status == tracked.Order.Status && merged.Version == tracked.Order.Version {
			return v, nil
		}
		tracked.Order = merged
		return v.with(tracked), nil
	case events.OrderCompleted:
		tracked, ok := v.tracked[e.OrderID]
		if !ok || tracked.Completion != nil {
			return v, nil
		}
		message := e.Message
		if message == "" {
			message = events.CompletionMessage(e.OrderID, e.StudentName)
		}
		tracked.Order.Status = domain.OrderStatusCompleted
		tracked.Completion = &Completion{OrderID: e.OrderID, Message: message}
		return v.with(tracked), tracked.Completion
	default:
		return v, nil
	}
}

// Reconcile обновляет отслеживаемые заказы по снимку и возвращает
// сигналы для заказов, выданных за время разрыва соединения.
func (v CustomerView) Reconcile(snapshot []domain.Order) (CustomerView, []Completion) {
	next := v
	var signals []Completion
	for _, order := range snapshot {
		tracked, ok := next.tracked[order.ID]
		if !ok {
			continue
		}
		tracked.Order = newer(tracked.Order, order)
		if tracked.Order.Status == domain.OrderStatusCompleted && tracked.Completion == nil {
			tracked.Completion = &Completion{OrderID: order.ID, Message: events.CompletionMessage(order.ID, order.StudentName)}
			signals = append(signals, *tracked.Completion)
		}
		next = next.with(tracked)
	}
	return next, signals
}

// Get возвращает отслеживаемый заказ.
func (v CustomerView) Get(id string) (TrackedOrder, bool) {
	tracked, ok := v.tracked[id]
	return tracked, ok
}

// Orders возвращает отслеживаемые заказы, новые первыми.
func (v CustomerView) Orders() []TrackedOrder {
	result := make([]TrackedOrder, 0, len(v.tracked))
	for _, tracked := range v.tracked {
		result = append(result, tracked)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Order.CreatedAt.After(result[j].Order.CreatedAt)
	})
	return result
}

// Remaining — остаток обратного отсчёта. running=false, если заказ
// не отслеживается или уже в конечном статусе, даже если
// order_completed до сессии не дошёл.
func (v CustomerView) Remaining(id string, now time.Time) (remaining time.Duration, running bool) {
	tracked, ok := v.tracked[id]
	if !ok || tracked.Completion != nil || tracked.Order.Status.Terminal() {
		return 0, false
	}
	remaining = tracked.ReadyBy.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (v CustomerView) with(tracked TrackedOrder) CustomerView {
	next := CustomerView{tracked: make(map[string]TrackedOrder, len(v.tracked)+1)}
	for id, t := range v.tracked {
		next.tracked[id] = t
	}
	tracked.Order = tracked.Order.Clone()
	next.tracked[tracked.Order.ID] = tracked
	return next
}
