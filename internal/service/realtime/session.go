package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/eventbus"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/service/orders"
)

// session владеет одним подключением. Пишет в сокет только writePump,
// читает только readPump.
type session struct {
	server *Server
	conn   *websocket.Conn
	sub    *eventbus.Subscription
	logger *log.Entry

	// replies — кадры только для этой сессии (order_error)
	replies chan events.Event
	done    chan struct{}
	once    sync.Once
}

func newSession(server *Server, id uint64, conn *websocket.Conn, sub *eventbus.Subscription) *session {
	return &session{
		server: server,
		conn:   conn,
		sub:    sub,
		logger: server.logger.WithFields(log.Fields{
			"session": id,
			"remote":  conn.RemoteAddr().String(),
		}),
		replies: make(chan events.Event, replyBuffer),
		done:    make(chan struct{}),
	}
}

func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()

	s.readPump(ctx)
	s.close()
	wg.Wait()
	_ = s.conn.Close()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Close()
	})
}

func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.server.pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.WithError(err).Warn("unexpected websocket close")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.server.pongWait))

		if msgType != websocket.TextMessage {
			s.reply(events.OrderError{Message: "only text frames are supported"})
			continue
		}
		s.handleFrame(ctx, data)
	}
}

func (s *session) handleFrame(ctx context.Context, data []byte) {
	cmd, err := events.DecodeCommand(data)
	if err != nil {
		s.logger.WithError(err).Debug("malformed command")
		s.reply(events.OrderError{Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch c := cmd.(type) {
	case events.CreateOrder:
		if _, err := s.server.commands.CreateOrder(ctx, orders.InputFromCommand(c)); err != nil {
			s.reply(events.OrderError{Message: errorMessage(err)})
		}
	case events.UpdateOrderStatus:
		if _, err := s.server.commands.UpdateStatus(ctx, c.OrderID, c.Status); err != nil {
			s.reply(events.OrderError{Message: errorMessage(err), OrderID: c.OrderID})
		}
	}
}

// reply ставит кадр в очередь этой сессии. При переполнении кадр теряется:
// чтение команд не должно ждать медленного клиента.
func (s *session) reply(ev events.Event) {
	select {
	case s.replies <- ev:
	case <-s.done:
	default:
		s.logger.WithField("event", ev.Kind()).Warn("reply queue full, frame dropped")
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.server.pingInterval)
	defer func() {
		ticker.Stop()
		// разрываем соединение, чтобы readPump тоже завершился
		_ = s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				s.writeClose()
				return
			}
			if s.sub.NeedsResync() {
				if err := s.writeEvent(events.Resync{}); err != nil {
					return
				}
			}
			if err := s.writeEvent(ev); err != nil {
				return
			}
		case ev := <-s.replies:
			if err := s.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.WithError(err).Debug("ping failed")
				return
			}
		case <-s.done:
			s.writeClose()
			return
		}
	}
}

func (s *session) writeEvent(ev events.Event) error {
	frame, err := events.EncodeEvent(ev)
	if err != nil {
		s.logger.WithError(err).WithField("event", ev.Kind()).Error("failed to encode event")
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.WithError(err).WithField("event", ev.Kind()).Debug("write failed")
		return err
	}
	return nil
}

func (s *session) writeClose() {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// errorMessage скрывает подробности сбоев хранилища от клиента.
func errorMessage(err error) string {
	if domain.IsPersistence(err) || errors.Is(err, context.DeadlineExceeded) {
		return "internal error, please retry"
	}
	return err.Error()
}
