package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// buildOrder нормализует вход и собирает новый заказ в статусе pending.
// Все замечания возвращаются одной ошибкой, обёрнутой в ErrInvalidOrder.
func buildOrder(input CreateOrderInput, id string, now time.Time) (domain.Order, error) {
	var errs []error

	for _, item := range input.Items {
		if item.Quantity < 1 {
			errs = append(errs, fmt.Errorf("%w: %q", domain.ErrItemQtyInvalid, item.Name))
		}
		if item.Price < 0 {
			errs = append(errs, fmt.Errorf("%w: %q", domain.ErrItemPriceInvalid, item.Name))
		}
	}

	items, mergeErr := mergeItems(input.Items)
	if mergeErr != nil {
		errs = append(errs, mergeErr)
	}

	total := domain.ItemsTotal(items)
	if input.TotalPrice != nil && *input.TotalPrice != total {
		errs = append(errs, fmt.Errorf("%w: got %d, items sum %d", domain.ErrAmountMismatch, *input.TotalPrice, total))
	}

	order := domain.Order{
		ID:          id,
		StudentName: strings.TrimSpace(input.StudentName),
		Items:       items,
		Type:        input.Type,
		Status:      domain.OrderStatusPending,
		TotalPrice:  total,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if len(errs) == 0 {
		errs = order.ValidateInvariants()
	} else {
		errs = append(errs, fieldErrors(order)...)
	}
	if len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrInvalidOrder, errors.Join(errs...))
	}
	return order, nil
}

// mergeItems объединяет позиции с одинаковым названием, сохраняя порядок первого появления.
// Одинаковые названия с разной ценой считаются ошибкой.
func mergeItems(items []domain.OrderItem) ([]domain.OrderItem, error) {
	merged := make([]domain.OrderItem, 0, len(items))
	index := make(map[string]int, len(items))

	for _, item := range items {
		item.Name = strings.TrimSpace(item.Name)
		pos, seen := index[item.Name]
		if !seen {
			index[item.Name] = len(merged)
			merged = append(merged, item)
			continue
		}
		if merged[pos].Price != item.Price {
			return merged, fmt.Errorf("%w: %q has prices %d and %d", domain.ErrItemDuplicate, item.Name, merged[pos].Price, item.Price)
		}
		merged[pos].Quantity += item.Quantity
	}
	return merged, nil
}

// fieldErrors повторяет проверки полей заказа, не зависящие от позиций.
func fieldErrors(order domain.Order) []error {
	var errs []error
	if order.StudentName == "" {
		errs = append(errs, domain.ErrStudentNameRequired)
	}
	if !order.Type.Valid() {
		errs = append(errs, domain.ErrOrderTypeInvalid)
	}
	if len(order.Items) == 0 {
		errs = append(errs, domain.ErrItemsRequired)
	}
	return errs
}
