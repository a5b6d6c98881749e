package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/view"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 15 * time.Second
	signalBuffer      = 32
)

var errDisconnected = errors.New("event stream disconnected")

// SessionOption настраивает Session.
type SessionOption func(*Session)

// WithSessionLogger задаёт логгер.
func WithSessionLogger(logger *log.Entry) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReconnectBackoff задаёт границы паузы между переподключениями
// и между повторами отправки заказа в Checkout.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) SessionOption {
	return func(s *Session) {
		if minDelay > 0 && maxDelay >= minDelay {
			s.minBackoff = minDelay
			s.maxBackoff = maxDelay
		}
	}
}

// WithOnChange вызывается после каждого изменения представлений.
func WithOnChange(fn func()) SessionOption {
	return func(s *Session) {
		s.onChange = fn
	}
}

// WithPayments задаёт платёжный сервис для Checkout.
func WithPayments(p domain.PaymentService) SessionOption {
	return func(s *Session) {
		if p != nil {
			s.payments = p
		}
	}
}

// Session держит локальные представления персонала и покупателя
// согласованными с сервером: снимок по REST, затем события из /ws.
// После разрыва соединения переподключается и заново сверяется со снимком.
type Session struct {
	api        *APIClient
	payments   domain.PaymentService
	logger     *log.Entry
	minBackoff time.Duration
	maxBackoff time.Duration
	onChange   func()

	mu       sync.RWMutex
	staff    view.StaffView
	customer view.CustomerView
	stream   *Stream

	completions chan view.Completion
	rejections  chan events.OrderError
	connected   chan struct{}
	connectOnce sync.Once
}

// NewSession создаёт сессию поверх REST-клиента.
func NewSession(api *APIClient, opts ...SessionOption) *Session {
	s := &Session{
		api:         api,
		logger:      log.WithField("component", "client-session"),
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		staff:       view.NewStaffView(nil),
		customer:    view.NewCustomerView(),
		completions: make(chan view.Completion, signalBuffer),
		rejections:  make(chan events.OrderError, signalBuffer),
		connected:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Staff возвращает текущее представление персонала.
func (s *Session) Staff() view.StaffView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staff
}

// Customer возвращает текущее представление покупателя.
func (s *Session) Customer() view.CustomerView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customer
}

// Completions выдаёт сигналы о выдаче отслеживаемых заказов.
func (s *Session) Completions() <-chan view.Completion {
	return s.completions
}

// Rejections выдаёт order_error, адресованные этой сессии.
func (s *Session) Rejections() <-chan events.OrderError {
	return s.rejections
}

// Connected закрывается после первой успешной синхронизации.
func (s *Session) Connected() <-chan struct{} {
	return s.connected
}

// Track добавляет заказ в отслеживаемые покупателем.
func (s *Session) Track(order domain.Order) {
	s.mu.Lock()
	s.customer = s.customer.Track(order)
	s.staff = s.staff.Apply(events.OrderCreated{Order: order})
	s.mu.Unlock()
	s.changed()
}

// Send отправляет команду через текущее соединение.
func (s *Session) Send(cmd events.Command) error {
	s.mu.RLock()
	stream := s.stream
	s.mu.RUnlock()
	if stream == nil {
		return ErrStreamClosed
	}
	return stream.Send(cmd)
}

// Run поддерживает соединение до отмены ctx.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		synced, err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if synced {
			backoff = s.minBackoff
		}
		s.logger.WithError(err).WithField("retry_in", backoff).Warn("session disconnected, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// serve обслуживает одно подключение. synced=true, если снимок был загружен.
func (s *Session) serve(ctx context.Context) (synced bool, err error) {
	// подписка раньше снимка: события, пришедшие во время загрузки,
	// не теряются, а повторное применение безопасно
	stream, err := Dial(ctx, s.api.StreamURL(), s.logger)
	if err != nil {
		return false, err
	}
	s.setStream(stream)
	defer func() {
		s.setStream(nil)
		_ = stream.Close()
	}()

	if err := s.Resync(ctx); err != nil {
		return false, err
	}
	s.connectOnce.Do(func() { close(s.connected) })
	s.logger.Info("session synchronized")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return true, err
				}
				return true, errDisconnected
			}
			if err := s.handle(ctx, ev); err != nil {
				return true, err
			}
		}
	}
}

// Resync загружает снимок и сверяет с ним оба представления.
func (s *Session) Resync(ctx context.Context) error {
	snapshot, err := s.api.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	s.mu.Lock()
	s.staff = s.staff.Reconcile(snapshot)
	var missed []view.Completion
	s.customer, missed = s.customer.Reconcile(snapshot)
	s.mu.Unlock()

	for _, c := range missed {
		s.signal(c)
	}
	s.changed()
	return nil
}

// Apply сворачивает событие в оба представления.
func (s *Session) Apply(ev events.Event) {
	s.mu.Lock()
	s.staff = s.staff.Apply(ev)
	var completion *view.Completion
	s.customer, completion = s.customer.Apply(ev)
	s.mu.Unlock()

	if completion != nil {
		s.signal(*completion)
	}
	s.changed()
}

func (s *Session) handle(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.Resync:
		s.logger.Info("server requested resync")
		return s.Resync(ctx)
	case events.OrderError:
		select {
		case s.rejections <- e:
		default:
			s.logger.WithField("message", e.Message).Warn("rejection dropped, nobody is listening")
		}
		return nil
	default:
		s.Apply(ev)
		return nil
	}
}

func (s *Session) signal(c view.Completion) {
	select {
	case s.completions <- c:
	default:
		s.logger.WithField("order_id", c.OrderID).Warn("completion signal dropped, nobody is listening")
	}
}

func (s *Session) setStream(stream *Stream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
