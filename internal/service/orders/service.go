// Package orders реализует жизненный цикл заказа: валидацию, запись и публикацию событий.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
)

// Publisher рассылает события подключённым сессиям.
type Publisher interface {
	Publish(ev events.Event) int
}

// Metrics получает сведения об операциях сервиса. Может быть nil.
type Metrics interface {
	RecordOrderCreated()
	RecordTransition(status string)
	RecordTransitionRejected()
	RecordOperationDuration(operation string, duration time.Duration)
}

// CreateOrderInput — данные для создания заказа. TotalPrice необязателен.
type CreateOrderInput struct {
	StudentName string
	Items       []domain.OrderItem
	Type        domain.OrderType
	TotalPrice  *int64
}

// InputFromCommand переводит команду канала событий во входные данные сервиса.
func InputFromCommand(cmd events.CreateOrder) CreateOrderInput {
	return CreateOrderInput{
		StudentName: cmd.StudentName,
		Items:       cmd.Items,
		Type:        cmd.Type,
		TotalPrice:  cmd.TotalPrice,
	}
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTimeline подключает историю статусов.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = repo
	}
}

// WithOutbox дублирует каждое опубликованное событие в transactional outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = repo
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// Service — единственная точка сериализации записей: создание и смена статуса
// выполняются под одним мьютексом вместе с публикацией событий.
type Service struct {
	repo      domain.OrderRepository
	publisher Publisher
	timeline  domain.TimelineRepository
	outbox    domain.OutboxRepository
	metrics   Metrics
	logger    *log.Entry
	now       func() time.Time
	newID     func() string

	mu sync.Mutex
}

// NewService конструирует сервис заказов.
func NewService(repo domain.OrderRepository, publisher Publisher, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		publisher: publisher,
		logger:    log.WithField("component", "order-service"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder валидирует и сохраняет новый заказ в статусе pending,
// после фиксации публикует order_created ровно один раз.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	defer s.observe("create_order", s.now())

	now := s.now()
	order, err := buildOrder(input, s.newID(), now)
	if err != nil {
		s.logger.WithError(err).WithField("student", input.StudentName).Info("order rejected")
		return domain.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Create(order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to create order")
		return domain.Order{}, fmt.Errorf("%w: create order: %w", domain.ErrPersistence, err)
	}

	committed, err := s.reload(order.ID)
	if err != nil {
		return domain.Order{}, err
	}

	s.appendTimeline(committed.ID, committed.Status, committed.CreatedAt)
	s.publish(events.OrderCreated{Order: committed})
	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}

	s.logger.WithFields(log.Fields{
		"order_id":    committed.ID,
		"student":     committed.StudentName,
		"type":        committed.Type,
		"total_price": committed.TotalPrice,
	}).Info("order created")

	return committed, nil
}

// UpdateStatus переводит заказ в target, если переход разрешён таблицей переходов.
// После фиксации публикует order_status_updated, а для completed ещё и order_completed.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	defer s.observe("update_status", s.now())

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: orderId is required", domain.ErrInvalidOrder)
	}
	if !target.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrInvalidOrder, domain.ErrOrderStatusInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.Get(orderID)
	if err != nil {
		return domain.Order{}, s.readError(orderID, err)
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"from":     current.Status,
		"to":       target,
	})

	if !domain.CanTransition(current.Status, target) {
		if s.metrics != nil {
			s.metrics.RecordTransitionRejected()
		}
		logger.Info("status transition rejected")
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, target)
	}

	next := current.Clone()
	next.Status = target
	next.UpdatedAt = s.now()
	if err := s.repo.Save(next); err != nil {
		logger.WithError(err).Error("failed to save order status")
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, fmt.Errorf("order %s: %w", orderID, err)
		}
		return domain.Order{}, fmt.Errorf("%w: save order: %w", domain.ErrPersistence, err)
	}

	committed, err := s.reload(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.appendTimeline(committed.ID, committed.Status, committed.UpdatedAt)
	s.publish(events.OrderStatusUpdated{Order: committed})
	if committed.Status == domain.OrderStatusCompleted {
		s.publish(events.NewOrderCompleted(committed))
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(string(target))
	}

	logger.Info("order status updated")
	return committed, nil
}

// ListOrders возвращает снимок всех заказов, новые первыми.
func (s *Service) ListOrders(ctx context.Context) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	orders, err := s.repo.List()
	if err != nil {
		s.logger.WithError(err).Error("failed to list orders")
		return nil, fmt.Errorf("%w: list orders: %w", domain.ErrPersistence, err)
	}
	return orders, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.Get(orderID)
	if err != nil {
		return domain.Order{}, s.readError(orderID, err)
	}
	return order, nil
}

// Timeline возвращает историю статусов заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}

	list, err := s.timeline.List(orderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to list timeline events")
		return nil, fmt.Errorf("%w: list timeline: %w", domain.ErrPersistence, err)
	}
	return list, nil
}

// reload перечитывает заказ после записи: событие публикуется только
// для состояния, которое уже видно последующим чтениям.
func (s *Service) reload(orderID string) (domain.Order, error) {
	order, err := s.repo.Get(orderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Error("committed order is not readable")
		return domain.Order{}, fmt.Errorf("%w: reload order: %w", domain.ErrPersistence, err)
	}
	return order, nil
}

func (s *Service) readError(orderID string, err error) error {
	if errors.Is(err, domain.ErrOrderNotFound) {
		return fmt.Errorf("order %s: %w", orderID, err)
	}
	s.logger.WithError(err).WithField("order_id", orderID).Error("failed to load order")
	return fmt.Errorf("%w: load order: %w", domain.ErrPersistence, err)
}

func (s *Service) publish(ev events.Event) {
	if s.publisher != nil {
		delivered := s.publisher.Publish(ev)
		s.logger.WithFields(log.Fields{
			"event":     ev.Kind(),
			"order_id":  ev.AggregateID(),
			"delivered": delivered,
		}).Debug("event published")
	}

	if s.outbox == nil {
		return
	}
	payload, err := events.EncodeEvent(ev)
	if err != nil {
		s.logger.WithError(err).WithField("event", ev.Kind()).Warn("failed to encode outbox payload")
		return
	}
	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		OrderID:   ev.AggregateID(),
		EventType: string(ev.Kind()),
		Payload:   payload,
	}); err != nil {
		s.logger.WithError(err).WithField("event", ev.Kind()).Warn("failed to enqueue outbox message")
	}
}

func (s *Service) appendTimeline(orderID string, status domain.OrderStatus, occurred time.Time) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(domain.TimelineEvent{
		OrderID:  orderID,
		Type:     domain.TimelineEventStatusChanged,
		Reason:   string(status),
		Occurred: occurred,
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to append status timeline")
	}
}

func (s *Service) observe(operation string, started time.Time) {
	if s.metrics != nil {
		s.metrics.RecordOperationDuration(operation, s.now().Sub(started))
	}
}
