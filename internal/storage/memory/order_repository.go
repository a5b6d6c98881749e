// Package memory — хранилище столовой в памяти процесса: драйвер по умолчанию
// и основа для тестов сервисного слоя.
package memory

import (
	"cmp"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// OrderRepository хранит заказы в map под RWMutex. Наружу отдаются только копии.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderRepository создаёт пустой репозиторий.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

// Create добавляет заказ. Занятый id — конфликт версии.
func (r *OrderRepository) Create(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.orders[order.ID]; taken {
		return domain.ErrOrderVersionConflict
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) Get(id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if order, ok := r.orders[id]; ok {
		return order.Clone(), nil
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// List отдаёт заказы от новых к старым; при равном createdAt порядок задаёт id.
func (r *OrderRepository) List() ([]domain.Order, error) {
	r.mu.RLock()
	list := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		list = append(list, order.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return list, nil
}

// Save заменяет заказ, если его версия совпадает с сохранённой, и увеличивает версию.
func (r *OrderRepository) Save(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	switch {
	case !ok:
		return domain.ErrOrderNotFound
	case stored.Version != order.Version:
		return domain.ErrOrderVersionConflict
	}
	order.Version++
	r.orders[order.ID] = order.Clone()
	return nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
