// Package eventbus реализует внутрипроцессную рассылку событий заказов подписчикам.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/events"
)

// DefaultBufferSize — ёмкость очереди одного подписчика.
const DefaultBufferSize = 256

// ErrClosed возвращается при подписке на закрытую шину.
var ErrClosed = errors.New("event bus closed")

// Metrics получает сведения о доставке. Может быть nil.
type Metrics interface {
	RecordPublished(kind string, delivered int)
	RecordDropped(kind string)
	SetSubscribers(n int)
}

// Option настраивает Bus.
type Option func(*Bus)

// WithBufferSize задаёт ёмкость очереди подписчика.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger задаёт логгер шины.
func WithLogger(logger *log.Entry) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics подключает метрики доставки.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// Bus рассылает каждое событие всем подпискам, зарегистрированным на момент публикации.
// Публикация не блокируется: при переполнении очереди событие теряется только
// для этого подписчика, а подписка помечается как требующая пересинхронизации.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	closed      bool

	bufferSize int
	logger     *log.Entry
	metrics    Metrics
}

// New создаёт шину событий.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[uint64]*Subscription),
		bufferSize:  DefaultBufferSize,
		logger:      log.WithField("component", "event-bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe регистрирует подписчика. name используется только в логах.
func (b *Bus) Subscribe(name string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		name: name,
		ch:   make(chan events.Event, b.bufferSize),
		bus:  b,
	}
	b.subscribers[sub.id] = sub
	b.reportSubscribersLocked()

	b.logger.WithFields(log.Fields{"subscriber": name, "subscribers": len(b.subscribers)}).Debug("subscriber registered")
	return sub, nil
}

// Publish рассылает событие и возвращает число подписчиков, получивших его.
func (b *Bus) Publish(ev events.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	kind := string(ev.Kind())
	delivered := 0
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.resync.Store(true)
			if b.metrics != nil {
				b.metrics.RecordDropped(kind)
			}
			b.logger.WithFields(log.Fields{
				"subscriber": sub.name,
				"event":      kind,
				"order_id":   ev.AggregateID(),
			}).Warn("subscriber queue full, event dropped")
		}
	}

	if b.metrics != nil {
		b.metrics.RecordPublished(kind, delivered)
	}
	return delivered
}

// SubscriberCount возвращает количество активных подписок.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close закрывает шину и все подписки.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.reportSubscribersLocked()
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)
	b.reportSubscribersLocked()

	b.logger.WithFields(log.Fields{"subscriber": sub.name, "subscribers": len(b.subscribers)}).Debug("subscriber removed")
}

func (b *Bus) reportSubscribersLocked() {
	if b.metrics != nil {
		b.metrics.SetSubscribers(len(b.subscribers))
	}
}

// Subscription — очередь событий одного подписчика.
type Subscription struct {
	id     uint64
	name   string
	ch     chan events.Event
	bus    *Bus
	resync atomic.Bool
	once   sync.Once
}

// Events возвращает канал событий. Канал закрывается после Close подписки или шины.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// NeedsResync сообщает, терялись ли события с прошлого вызова, и сбрасывает флаг.
func (s *Subscription) NeedsResync() bool {
	return s.resync.Swap(false)
}

// Close отписывает подписчика. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}
