package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

const selectOrdersWithItems = `
	SELECT o.id, o.student_name, o.type, o.status, o.total_price, o.version, o.created_at, o.updated_at,
	       i.name, i.quantity, i.price
	FROM orders o
	LEFT JOIN order_items i ON i.order_id = o.id
`

// OrderRepository хранит заказы в orders, позиции в order_items.
type OrderRepository struct {
	store *Store
}

func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{store: store}
}

func (r *OrderRepository) Create(order domain.Order) error {
	ctx, cancel := opContext()
	defer cancel()

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, student_name, type, status, total_price, version, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			order.ID, order.StudentName, string(order.Type), string(order.Status),
			order.TotalPrice, order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if sqlState(err) == codeUniqueViolation {
				return domain.ErrOrderVersionConflict
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for position, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, name, quantity, price)
				VALUES ($1,$2,$3,$4,$5)
			`, order.ID, position, item.Name, item.Quantity, item.Price); err != nil {
				return fmt.Errorf("insert order item %q: %w", item.Name, err)
			}
		}
		return nil
	})
}

func (r *OrderRepository) Get(id string) (domain.Order, error) {
	ctx, cancel := opContext()
	defer cancel()

	orders, err := r.query(ctx, selectOrdersWithItems+`
		WHERE o.id = $1
		ORDER BY i.position ASC
	`, id)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return orders[0], nil
}

func (r *OrderRepository) List() ([]domain.Order, error) {
	ctx, cancel := opContext()
	defer cancel()

	return r.query(ctx, selectOrdersWithItems+`
		ORDER BY o.created_at DESC, o.id DESC, i.position ASC
	`)
}

func (r *OrderRepository) Save(order domain.Order) error {
	ctx, cancel := opContext()
	defer cancel()

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    version = version + 1,
			    updated_at = $2
			WHERE id = $3
			  AND version = $4
		`, string(order.Status), order.UpdatedAt, order.ID, order.Version)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected > 0 {
			return nil
		}

		var existing string
		err = tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, order.ID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return domain.ErrOrderNotFound
		case err != nil:
			return fmt.Errorf("check order exists: %w", err)
		default:
			return domain.ErrOrderVersionConflict
		}
	})
}

// query собирает заказы из строк JOIN, сохраняя порядок первого появления заказа.
func (r *OrderRepository) query(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			order        domain.Order
			orderType    string
			status       string
			itemName     sql.NullString
			itemQuantity sql.NullInt32
			itemPrice    sql.NullInt64
		)
		if err := rows.Scan(
			&order.ID, &order.StudentName, &orderType, &status, &order.TotalPrice,
			&order.Version, &order.CreatedAt, &order.UpdatedAt,
			&itemName, &itemQuantity, &itemPrice,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}

		pos, seen := index[order.ID]
		if !seen {
			order.Type = domain.OrderType(orderType)
			order.Status = domain.OrderStatus(status)
			order.CreatedAt = order.CreatedAt.UTC()
			order.UpdatedAt = order.UpdatedAt.UTC()
			order.Items = make([]domain.OrderItem, 0, 1)
			orders = append(orders, order)
			pos = len(orders) - 1
			index[order.ID] = pos
		}
		if itemName.Valid {
			orders[pos].Items = append(orders[pos].Items, domain.OrderItem{
				Name:     itemName.String,
				Quantity: itemQuantity.Int32,
				Price:    itemPrice.Int64,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
