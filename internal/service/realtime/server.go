// Package realtime обслуживает канал событий /ws: рассылает события заказов
// подключённым сессиям и принимает от них команды.
package realtime

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/eventbus"
	"github.com/vladislavdragonenkov/canteen/internal/service/orders"
)

const (
	// DefaultPingInterval — период ping-кадров.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongWait — сколько ждать любого входящего кадра до разрыва.
	DefaultPongWait = 60 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	replyBuffer    = 16
	commandTimeout = 5 * time.Second
)

// OrderCommands — операции, доступные через канал событий.
type OrderCommands interface {
	CreateOrder(ctx context.Context, input orders.CreateOrderInput) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error)
}

// EventSource выдаёт подписки на события заказов.
type EventSource interface {
	Subscribe(name string) (*eventbus.Subscription, error)
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCheckOrigin задаёт проверку заголовка Origin при upgrade.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) {
		if check != nil {
			s.upgrader.CheckOrigin = check
		}
	}
}

// WithHeartbeat задаёт период ping и таймаут ожидания ответа.
func WithHeartbeat(pingInterval, pongWait time.Duration) Option {
	return func(s *Server) {
		if pingInterval > 0 && pongWait > pingInterval {
			s.pingInterval = pingInterval
			s.pongWait = pongWait
		}
	}
}

// Server принимает WebSocket-подключения. Каждое подключение — отдельная сессия
// со своей подпиской на шину.
type Server struct {
	source   EventSource
	commands OrderCommands
	upgrader websocket.Upgrader
	logger   *log.Entry

	pingInterval time.Duration
	pongWait     time.Duration

	sessions atomic.Int64
	nextID   atomic.Uint64
}

// NewServer создаёт обработчик /ws.
func NewServer(source EventSource, commands OrderCommands, opts ...Option) *Server {
	s := &Server{
		source:   source,
		commands: commands,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:       log.WithField("component", "realtime"),
		pingInterval: DefaultPingInterval,
		pongWait:     DefaultPongWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveSessions возвращает число открытых сессий.
func (s *Server) ActiveSessions() int {
	return int(s.sessions.Load())
}

// ServeHTTP выполняет upgrade и обслуживает сессию до её закрытия.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту кодом ошибки
		s.logger.WithError(err).WithField("remote", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}

	id := s.nextID.Add(1)
	sub, err := s.source.Subscribe(r.RemoteAddr)
	if err != nil {
		s.logger.WithError(err).Warn("subscribe failed, closing connection")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	sess := newSession(s, id, conn, sub)
	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	sess.logger.Info("session opened")
	sess.run()
	sess.logger.Info("session closed")
}
