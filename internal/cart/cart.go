// Package cart собирает корзину покупателя до оформления заказа.
package cart

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// ErrEmpty возвращается при оформлении пустой корзины.
var ErrEmpty = errors.New("cart is empty")

// Product — позиция каталога.
type Product struct {
	ID    string
	Name  string
	Price int64
}

// Validate проверяет, что продукт можно положить в корзину.
func (p Product) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("product id is required"))
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, domain.ErrItemNameRequired)
	}
	if p.Price < 0 {
		errs = append(errs, domain.ErrItemPriceInvalid)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidOrder, errors.Join(errs...))
	}
	return nil
}

// Cart — мультимножество продуктов в порядке добавления. Цена фиксируется
// в момент Add. Значение неизменяемо: Add и Remove возвращают новую корзину.
type Cart struct {
	entries []Product
}

// New создаёт пустую корзину.
func New() Cart {
	return Cart{}
}

// Add добавляет одну единицу продукта. Дубликаты допустимы.
func (c Cart) Add(p Product) Cart {
	next := make([]Product, len(c.entries), len(c.entries)+1)
	copy(next, c.entries)
	return Cart{entries: append(next, p)}
}

// Remove убирает одну единицу продукта, добавленную последней.
// Если продукта нет, корзина не меняется.
func (c Cart) Remove(p Product) Cart {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].ID != p.ID {
			continue
		}
		next := make([]Product, 0, len(c.entries)-1)
		next = append(next, c.entries[:i]...)
		next = append(next, c.entries[i+1:]...)
		if len(next) == 0 {
			return Cart{}
		}
		return Cart{entries: next}
	}
	return c
}

// Len — число единиц в корзине.
func (c Cart) Len() int {
	return len(c.entries)
}

// Empty сообщает, пуста ли корзина.
func (c Cart) Empty() bool {
	return len(c.entries) == 0
}

// Count — сколько единиц продукта лежит в корзине.
func (c Cart) Count(productID string) int {
	n := 0
	for _, entry := range c.entries {
		if entry.ID == productID {
			n++
		}
	}
	return n
}

// Entries возвращает копию содержимого в порядке добавления.
func (c Cart) Entries() []Product {
	return append([]Product(nil), c.entries...)
}

// Total — сумма позиций ToOrderItems, то есть ровно то, что сервер
// посчитает по отправленному заказу.
func (c Cart) Total() int64 {
	return domain.ItemsTotal(c.ToOrderItems())
}

// ToOrderItems группирует корзину по id продукта в порядке первого появления.
// Цена позиции — снимок, взятый при первом добавлении продукта.
func (c Cart) ToOrderItems() []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(c.entries))
	index := make(map[string]int, len(c.entries))
	for _, entry := range c.entries {
		if pos, ok := index[entry.ID]; ok {
			items[pos].Quantity++
			continue
		}
		index[entry.ID] = len(items)
		items = append(items, domain.OrderItem{Name: entry.Name, Quantity: 1, Price: entry.Price})
	}
	return items
}
