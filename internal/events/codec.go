package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// ErrMalformed возвращается для кадров, не соответствующих схеме варианта.
var ErrMalformed = errors.New("malformed event")

// Envelope — кадр канала событий: тег варианта и его полезная нагрузка.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ItemPayload — позиция заказа на проводе.
type ItemPayload struct {
	Name     string `json:"name"`
	Quantity int32  `json:"quantity"`
	Price    int64  `json:"price"`
}

// OrderPayload — JSON-представление заказа (REST, WebSocket, Kafka).
type OrderPayload struct {
	ID          string        `json:"id"`
	StudentName string        `json:"studentName"`
	Items       []ItemPayload `json:"items"`
	Type        string        `json:"type"`
	Status      string        `json:"status"`
	TotalPrice  int64         `json:"totalPrice"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// CreateOrderPayload — тело POST /api/orders и команды create_order.
type CreateOrderPayload struct {
	StudentName string        `json:"studentName"`
	Items       []ItemPayload `json:"items"`
	Type        string        `json:"type"`
	TotalPrice  *int64        `json:"totalPrice,omitempty"`
}

// UpdateStatusPayload — тело команды update_order_status.
type UpdateStatusPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// CompletedPayload — тело order_completed.
type CompletedPayload struct {
	OrderID     string        `json:"orderId"`
	StudentName string        `json:"studentName"`
	Items       []ItemPayload `json:"items"`
	Message     string        `json:"message"`
}

// ErrorPayload — тело order_error и ошибок REST.
type ErrorPayload struct {
	Message string `json:"message"`
	OrderID string `json:"orderId,omitempty"`
}

// ItemsToPayload переводит позиции в проводной вид.
func ItemsToPayload(items []domain.OrderItem) []ItemPayload {
	out := make([]ItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, ItemPayload{Name: item.Name, Quantity: item.Quantity, Price: item.Price})
	}
	return out
}

// ItemsFromPayload переводит позиции из проводного вида.
func ItemsFromPayload(items []ItemPayload) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.OrderItem{Name: item.Name, Quantity: item.Quantity, Price: item.Price})
	}
	return out
}

// OrderToPayload переводит заказ в проводной вид.
func OrderToPayload(order domain.Order) OrderPayload {
	return OrderPayload{
		ID:          order.ID,
		StudentName: order.StudentName,
		Items:       ItemsToPayload(order.Items),
		Type:        string(order.Type),
		Status:      string(order.Status),
		TotalPrice:  order.TotalPrice,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
}

// OrderFromPayload проверяет схему и собирает заказ.
func OrderFromPayload(p OrderPayload) (domain.Order, error) {
	if strings.TrimSpace(p.ID) == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrMalformed)
	}
	status := domain.OrderStatus(p.Status)
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, p.Status)
	}
	orderType := domain.OrderType(p.Type)
	if !orderType.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, p.Type)
	}
	return domain.Order{
		ID:          p.ID,
		StudentName: p.StudentName,
		Items:       ItemsFromPayload(p.Items),
		Type:        orderType,
		Status:      status,
		TotalPrice:  p.TotalPrice,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

// CommandFromCreatePayload собирает команду создания. Семантику проверяет сервис заказов.
func CommandFromCreatePayload(p CreateOrderPayload) CreateOrder {
	return CreateOrder{
		StudentName: p.StudentName,
		Items:       ItemsFromPayload(p.Items),
		Type:        domain.OrderType(p.Type),
		TotalPrice:  p.TotalPrice,
	}
}

// EncodeEvent сериализует событие в кадр.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case OrderCreated:
		payload = OrderToPayload(e.Order)
	case OrderStatusUpdated:
		payload = OrderToPayload(e.Order)
	case OrderCompleted:
		payload = CompletedPayload{
			OrderID:     e.OrderID,
			StudentName: e.StudentName,
			Items:       ItemsToPayload(e.Items),
			Message:     e.Message,
		}
	case OrderError:
		payload = ErrorPayload{Message: e.Message, OrderID: e.OrderID}
	case Resync:
		payload = nil
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrMalformed, ev)
	}
	return encode(ev.Kind(), payload)
}

// DecodeEvent разбирает кадр сервер → клиент.
func DecodeEvent(data []byte) (Event, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case KindOrderCreated, KindOrderStatusUpdated:
		var p OrderPayload
		if err := decodeStrict(env.Payload, &p); err != nil {
			return nil, err
		}
		order, err := OrderFromPayload(p)
		if err != nil {
			return nil, err
		}
		if env.Type == KindOrderCreated {
			return OrderCreated{Order: order}, nil
		}
		return OrderStatusUpdated{Order: order}, nil
	case KindOrderCompleted:
		var p CompletedPayload
		if err := decodeStrict(env.Payload, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.OrderID) == "" {
			return nil, fmt.Errorf("%w: orderId is required", ErrMalformed)
		}
		return OrderCompleted{
			OrderID:     p.OrderID,
			StudentName: p.StudentName,
			Items:       ItemsFromPayload(p.Items),
			Message:     p.Message,
		}, nil
	case KindOrderError:
		var p ErrorPayload
		if err := decodeStrict(env.Payload, &p); err != nil {
			return nil, err
		}
		return OrderError{Message: p.Message, OrderID: p.OrderID}, nil
	case KindResync:
		return Resync{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, env.Type)
	}
}

// EncodeCommand сериализует команду клиента.
func EncodeCommand(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case CreateOrder:
		return encode(c.Kind(), CreateOrderPayload{
			StudentName: c.StudentName,
			Items:       ItemsToPayload(c.Items),
			Type:        string(c.Type),
			TotalPrice:  c.TotalPrice,
		})
	case UpdateOrderStatus:
		return encode(c.Kind(), UpdateStatusPayload{OrderID: c.OrderID, Status: string(c.Status)})
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", ErrMalformed, cmd)
	}
}

// DecodeCommand разбирает кадр клиент → сервер.
func DecodeCommand(data []byte) (Command, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case KindCreateOrder:
		var p CreateOrderPayload
		if err := decodeStrict(env.Payload, &p); err != nil {
			return nil, err
		}
		return CommandFromCreatePayload(p), nil
	case KindUpdateOrderStatus:
		var p UpdateStatusPayload
		if err := decodeStrict(env.Payload, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.OrderID) == "" {
			return nil, fmt.Errorf("%w: orderId is required", ErrMalformed)
		}
		status := domain.OrderStatus(p.Status)
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrMalformed, p.Status)
		}
		return UpdateOrderStatus{OrderID: p.OrderID, Status: status}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrMalformed, env.Type)
	}
}

// DecodeCreatePayload строго разбирает тело запроса на создание заказа.
func DecodeCreatePayload(data []byte) (CreateOrderPayload, error) {
	var p CreateOrderPayload
	if err := decodeStrict(data, &p); err != nil {
		return CreateOrderPayload{}, err
	}
	return p, nil
}

func encode(kind Kind, payload any) ([]byte, error) {
	env := Envelope{Type: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	return env, nil
}

func decodeStrict(data []byte, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}
