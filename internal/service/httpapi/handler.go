// Package httpapi реализует REST API заказов столовой.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/service/idempotency"
	"github.com/vladislavdragonenkov/canteen/internal/service/orders"
)

const (
	defaultMaxBodyBytes = 1 << 20

	operationCreateOrder = "create_order"

	// HeaderIdempotentReplay выставляется, когда ответ взят из хранилища ключей.
	HeaderIdempotentReplay = "Idempotent-Replayed"
)

// OrderService — операции сервиса заказов, нужные REST API.
type OrderService interface {
	CreateOrder(ctx context.Context, input orders.CreateOrderInput) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
}

// Option настраивает Handler.
type Option func(*Handler)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithIdempotency включает обработку заголовка Idempotency-Key для POST /api/orders.
func WithIdempotency(guard *idempotency.Guard) Option {
	return func(h *Handler) {
		h.guard = guard
	}
}

// WithMaxBodyBytes ограничивает размер тела запроса.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// Handler обслуживает /api/orders.
type Handler struct {
	svc          OrderService
	guard        *idempotency.Guard
	logger       *log.Entry
	maxBodyBytes int64
}

// NewHandler создаёт REST-обработчик поверх сервиса заказов.
func NewHandler(svc OrderService, opts ...Option) *Handler {
	h := &Handler{
		svc:          svc,
		logger:       log.WithField("component", "http-api"),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register добавляет маршруты API в mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/orders", h.listOrders)
	mux.HandleFunc("POST /api/orders", h.createOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
	mux.HandleFunc("GET /api/orders/{id}/timeline", h.getTimeline)
	mux.HandleFunc("POST /api/orders/{id}/status", h.updateStatus)
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// TimelineEntry — элемент ответа GET /api/orders/{id}/timeline.
type TimelineEntry struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Occurred time.Time `json:"occurred"`
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListOrders(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]events.OrderPayload, 0, len(list))
	for _, order := range list {
		out = append(out, events.OrderToPayload(order))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events.OrderToPayload(order))
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Timeline(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]TimelineEntry, 0, len(list))
	for _, ev := range list {
		out = append(out, TimelineEntry{Type: ev.Type, Reason: ev.Reason, Occurred: ev.Occurred})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: read body: %v", events.ErrMalformed, err))
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotency.HeaderKey))
	if key == "" || h.guard == nil {
		resp := h.create(r.Context(), body)
		writeRaw(w, resp.Status, resp.Body)
		return
	}

	resp, replayed, err := h.guard.Do(r.Context(), key, idempotency.RequestHash(operationCreateOrder, body), func(ctx context.Context) idempotency.Response {
		return h.create(ctx, body)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if replayed {
		w.Header().Set(HeaderIdempotentReplay, "true")
	}
	writeRaw(w, resp.Status, resp.Body)
}

// create выполняет создание и возвращает готовый ответ, пригодный для сохранения по ключу.
func (h *Handler) create(ctx context.Context, body []byte) idempotency.Response {
	payload, err := events.DecodeCreatePayload(body)
	if err != nil {
		return h.errorResponse(err)
	}

	order, err := h.svc.CreateOrder(ctx, orders.InputFromCommand(events.CommandFromCreatePayload(payload)))
	if err != nil {
		return h.errorResponse(err)
	}

	data, err := json.Marshal(events.OrderToPayload(order))
	if err != nil {
		h.logger.WithError(err).WithField("order_id", order.ID).Error("failed to encode created order")
		return h.errorResponse(fmt.Errorf("%w: encode order: %w", domain.ErrPersistence, err))
	}
	return idempotency.Response{Status: http.StatusCreated, Body: data}
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(http.MaxBytesReader(w, r.Body, h.maxBodyBytes), &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.svc.UpdateStatus(r.Context(), r.PathValue("id"), domain.OrderStatus(strings.TrimSpace(req.Status)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events.OrderToPayload(order))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := h.errorResponse(err)
	if resp.Status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
	}
	writeRaw(w, resp.Status, resp.Body)
}

func (h *Handler) errorResponse(err error) idempotency.Response {
	code := StatusCode(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		message = "internal error"
	}
	data, _ := json.Marshal(errorResponse{Error: message})
	return idempotency.Response{Status: code, Body: data}
}

// StatusCode сопоставляет доменную ошибку коду HTTP.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case domain.IsValidation(err), errors.Is(err, events.ErrMalformed), errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsInvalidTransition(err), domain.IsIdempotencyConflict(err), errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r io.Reader, dst any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", events.ErrMalformed, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty body", events.ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", events.ErrMalformed, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
