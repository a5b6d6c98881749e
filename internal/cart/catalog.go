package cart

import (
	"fmt"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// Catalog — меню одного типа заказа.
type Catalog struct {
	Type     domain.OrderType
	Products []Product
}

// Find ищет продукт по id.
func (c Catalog) Find(id string) (Product, bool) {
	for _, p := range c.Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// DefaultCatalogs — меню столовой: «сейчас» и «к сроку».
func DefaultCatalogs() map[domain.OrderType]Catalog {
	return map[domain.OrderType]Catalog{
		domain.OrderTypeInstant: {
			Type: domain.OrderTypeInstant,
			Products: []Product{
				{ID: "1", Name: "Sandwich", Price: 5},
				{ID: "2", Name: "Salad", Price: 8},
				{ID: "3", Name: "Soup", Price: 4},
			},
		},
		domain.OrderTypeDelayed: {
			Type: domain.OrderTypeDelayed,
			Products: []Product{
				{ID: "4", Name: "Pasta", Price: 12},
				{ID: "5", Name: "Pizza", Price: 15},
				{ID: "6", Name: "Burger", Price: 10},
			},
		},
	}
}

// CatalogFor возвращает меню для типа заказа.
func CatalogFor(t domain.OrderType) (Catalog, error) {
	catalog, ok := DefaultCatalogs()[t]
	if !ok {
		return Catalog{}, fmt.Errorf("%w: %q", domain.ErrOrderTypeInvalid, t)
	}
	return catalog, nil
}
