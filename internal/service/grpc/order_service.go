// Package grpcsvc реализует gRPC API canteen.v1.OrderService.
package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/eventbus"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/service/idempotency"
	"github.com/vladislavdragonenkov/canteen/internal/service/orders"
)

// metadataIdempotencyKey — ключ metadata (gRPC приводит имена к нижнему регистру).
const metadataIdempotencyKey = "idempotency-key"

// Orders — операции сервиса заказов, доступные через gRPC.
type Orders interface {
	CreateOrder(ctx context.Context, input orders.CreateOrderInput) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
}

// EventSource выдаёт подписки на события заказов.
type EventSource interface {
	Subscribe(name string) (*eventbus.Subscription, error)
}

// OrderService реализует OrderServiceServer поверх сервиса заказов.
type OrderService struct {
	orders Orders
	source EventSource
	guard  *idempotency.Guard
	logger *log.Entry
}

// NewOrderService конструирует gRPC-сервис. guard и source могут быть nil:
// тогда ключи идемпотентности игнорируются, а Subscribe недоступен.
func NewOrderService(svc Orders, source EventSource, guard *idempotency.Guard, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.WithField("component", "grpc-order-service")
	}
	return &OrderService{
		orders: svc,
		source: source,
		guard:  guard,
		logger: logger,
	}
}

type updateStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type getOrderRequest struct {
	OrderID string `json:"orderId"`
}

type listOrdersResponse struct {
	Orders []events.OrderPayload `json:"orders"`
}

type getOrderResponse struct {
	Order    events.OrderPayload `json:"order"`
	Timeline []timelineEntry     `json:"timeline"`
}

type timelineEntry struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Occurred string `json:"occurred"`
}

// idempotencyErrorPayload — сохранённая ошибка для повторной выдачи по ключу.
type idempotencyErrorPayload struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// CreateOrder создаёт заказ. Необязательный ключ idempotency-key в metadata
// защищает от повторного создания при ретраях клиента.
func (s *OrderService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	body, err := protojson.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "request is not valid JSON")
	}

	key := readIdempotencyKey(ctx)
	if key == "" || s.guard == nil {
		return s.createOrder(ctx, body)
	}

	resp, replayed, err := s.guard.Do(ctx, key, idempotency.RequestHash(MethodCreateOrder, body), func(ctx context.Context) idempotency.Response {
		out, runErr := s.createOrder(ctx, body)
		return cacheableResponse(out, runErr)
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if replayed {
		s.logger.WithField("idempotency_key", key).Debug("create order replayed")
	}
	return decodeCachedResponse(resp)
}

func (s *OrderService) createOrder(ctx context.Context, body []byte) (*structpb.Struct, error) {
	payload, err := events.DecodeCreatePayload(body)
	if err != nil {
		return nil, toStatus(err)
	}
	order, err := s.orders.CreateOrder(ctx, orders.InputFromCommand(events.CommandFromCreatePayload(payload)))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(events.OrderToPayload(order))
}

// UpdateOrderStatus переводит заказ в новый статус.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in updateStatusRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "orderId is required")
	}

	order, err := s.orders.UpdateStatus(ctx, in.OrderID, domain.OrderStatus(strings.TrimSpace(in.Status)))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(events.OrderToPayload(order))
}

// ListOrders возвращает все заказы, новые первыми.
func (s *OrderService) ListOrders(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list, err := s.orders.ListOrders(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := listOrdersResponse{Orders: make([]events.OrderPayload, 0, len(list))}
	for _, order := range list {
		resp.Orders = append(resp.Orders, events.OrderToPayload(order))
	}
	return toStruct(resp)
}

// GetOrder возвращает заказ вместе с историей статусов.
func (s *OrderService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in getOrderRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "orderId is required")
	}

	order, err := s.orders.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	timeline, err := s.orders.Timeline(ctx, in.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := getOrderResponse{
		Order:    events.OrderToPayload(order),
		Timeline: make([]timelineEntry, 0, len(timeline)),
	}
	for _, ev := range timeline {
		resp.Timeline = append(resp.Timeline, timelineEntry{
			Type:     ev.Type,
			Reason:   ev.Reason,
			Occurred: ev.Occurred.UTC().Format(time.RFC3339Nano),
		})
	}
	return toStruct(resp)
}

// Subscribe передаёт события заказов в поток до отмены вызова.
// Кадры имеют форму {type, payload}, как в канале /ws.
func (s *OrderService) Subscribe(_ *emptypb.Empty, stream OrderService_SubscribeServer) error {
	if s.source == nil {
		return status.Error(codes.Unimplemented, "event stream is not configured")
	}

	ctx := stream.Context()
	sub, err := s.source.Subscribe("grpc-stream")
	if err != nil {
		if errors.Is(err, eventbus.ErrClosed) {
			return status.Error(codes.Unavailable, "server is shutting down")
		}
		return status.Error(codes.Internal, "failed to subscribe")
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return status.Error(codes.Unavailable, "server is shutting down")
			}
			if sub.NeedsResync() {
				if err := s.sendEvent(stream, events.Resync{}); err != nil {
					return err
				}
			}
			if err := s.sendEvent(stream, ev); err != nil {
				return err
			}
		}
	}
}

func (s *OrderService) sendEvent(stream OrderService_SubscribeServer, ev events.Event) error {
	frame, err := events.EncodeEvent(ev)
	if err != nil {
		s.logger.WithError(err).WithField("event", ev.Kind()).Error("failed to encode event")
		return nil
	}
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(frame, msg); err != nil {
		s.logger.WithError(err).WithField("event", ev.Kind()).Error("failed to convert event")
		return nil
	}
	return stream.Send(msg)
}

// toStatus сопоставляет доменные ошибки кодам gRPC.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case domain.IsValidation(err), errors.Is(err, events.ErrMalformed), errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case domain.IsInvalidTransition(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case errors.Is(err, idempotency.ErrInProgress):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// httpStatusFor переводит код gRPC в HTTP-код, под которым ответ хранится по ключу.
func httpStatusFor(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func cacheableResponse(out *structpb.Struct, runErr error) idempotency.Response {
	if runErr == nil {
		data, err := protojson.Marshal(out)
		if err == nil {
			return idempotency.Response{Status: http.StatusOK, Body: data}
		}
		runErr = status.Error(codes.Internal, "failed to encode response")
	}

	st := status.Convert(runErr)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}
	data, _ := json.Marshal(idempotencyErrorPayload{Code: int32(code), Message: st.Message()}) //nolint:gosec // codes.Code — ограниченный enum
	return idempotency.Response{Status: httpStatusFor(code), Body: data}
}

func decodeCachedResponse(resp idempotency.Response) (*structpb.Struct, error) {
	if !resp.Succeeded() {
		var payload idempotencyErrorPayload
		if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Code <= 0 || payload.Code > int32(codes.Unauthenticated) {
			return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
		}
		return nil, status.Error(codes.Code(payload.Code), payload.Message) //nolint:gosec // диапазон проверен выше
	}

	out := new(structpb.Struct)
	if err := protojson.Unmarshal(resp.Body, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
	}
	return out, nil
}

func readIdempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(metadataIdempotencyKey)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "request is not valid JSON")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}
