package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/events"
)

const (
	streamBuffer    = 256
	streamWriteWait = 10 * time.Second
)

// ErrStreamClosed возвращается при отправке в закрытый поток.
var ErrStreamClosed = errors.New("event stream closed")

// Stream — подключение к каналу событий /ws.
type Stream struct {
	conn   *websocket.Conn
	events chan events.Event
	logger *log.Entry

	writeMu  sync.Mutex
	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	err      error
}

// Dial подключается к каналу событий.
func Dial(ctx context.Context, url string, logger *log.Entry) (*Stream, error) {
	if logger == nil {
		logger = log.WithField("component", "event-stream")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Stream{
		conn:   conn,
		events: make(chan events.Event, streamBuffer),
		logger: logger,
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events возвращает входящие события. Канал закрывается при разрыве соединения.
func (s *Stream) Events() <-chan events.Event {
	return s.events
}

// Done закрывается вместе с потоком.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err возвращает причину закрытия потока (после Done).
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Send отправляет команду серверу.
func (s *Stream) Send(cmd events.Command) error {
	frame, err := events.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Kind(), err)
	}
	return nil
}

// Close закрывает соединение.
func (s *Stream) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Stream) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = err
			}
			return
		}

		ev, err := events.DecodeEvent(data)
		if err != nil {
			// некорректный кадр не роняет сессию
			s.logger.WithError(err).Warn("skipping malformed event")
			continue
		}
		select {
		case s.events <- ev:
		case <-s.quit:
			return
		}
	}
}
