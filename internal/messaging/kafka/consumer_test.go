package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
)

type fakeGroup struct {
	consume  func(context.Context) error
	errs     chan error
	closeErr error
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	if g.consume != nil {
		return g.consume(ctx)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Close() error {
	close(g.errs)
	return g.closeErr
}

func (g *fakeGroup) Errors() <-chan error      { return g.errs }
func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicOrderEvents }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func completedMessage(t *testing.T, offset int64, orderID string) *sarama.ConsumerMessage {
	t.Helper()

	ev := events.OrderCompleted{
		OrderID:     orderID,
		StudentName: "Asha",
		Message:     fmt.Sprintf("Order %s for Asha has been completed.", orderID),
	}
	payload, err := events.EncodeEvent(ev)
	require.NoError(t, err)
	value, err := json.Marshal(OrderEventMessage{
		ID:        fmt.Sprintf("msg-%d", offset),
		OrderID:   orderID,
		EventType: string(ev.Kind()),
		Payload:   payload,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: offset, Key: []byte(orderID), Value: value}
}

func testConsumer(handle OrderEventHandler, opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithRetryDelay(0), WithConsumerLogger(log.WithField("test", "consumer"))}, opts...)
	return newConsumer([]string{TopicOrderEvents}, handle, opts...)
}

func TestNewConsumer_UnreachableBroker(t *testing.T) {
	handle := func(context.Context, *OrderEventMessage, events.Event) error { return nil }
	_, err := NewConsumer([]string{"invalid-broker:9092"}, "canteen-test", []string{TopicOrderEvents}, handle, WithOldestOffset())
	require.Error(t, err)
}

func TestConsumerOptions(t *testing.T) {
	producer := &Producer{}
	c := newConsumer(nil, nil,
		WithDLQ(producer, "custom.dlq"),
		WithMaxRetries(0),
		WithRetryDelay(-time.Second),
		WithRetryDelay(time.Millisecond),
		WithOldestOffset(),
	)

	require.Same(t, producer, c.dlq)
	require.Equal(t, "custom.dlq", c.dlqTopic)
	require.Equal(t, defaultMaxRetries, c.maxRetries, "non-positive retries are ignored")
	require.Equal(t, time.Millisecond, c.retryDelay)
	require.Equal(t, sarama.OffsetOldest, c.initialOffset)
}

func TestConsumeClaim_DeliversTypedEvents(t *testing.T) {
	var got []string
	c := testConsumer(func(_ context.Context, msg *OrderEventMessage, ev events.Event) error {
		completed, ok := ev.(events.OrderCompleted)
		require.True(t, ok)
		require.Equal(t, msg.OrderID, completed.OrderID)
		got = append(got, completed.OrderID)
		return nil
	})

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(
		completedMessage(t, 1, "order-1"),
		completedMessage(t, 2, "order-2"),
	)))

	require.Equal(t, []string{"order-1", "order-2"}, got)
	require.Equal(t, []int64{1, 2}, session.marked)
}

func TestConsumeClaim_HandlerFailureWithoutDLQLeavesOffset(t *testing.T) {
	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error {
		return errors.New("printer closed")
	}, WithMaxRetries(1))

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(completedMessage(t, 5, "order-5"))))
	require.Empty(t, session.marked)
}

func TestProcess_RetriesHandler(t *testing.T) {
	var calls atomic.Int32
	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	}, WithMaxRetries(3))

	require.NoError(t, c.process(context.Background(), completedMessage(t, 1, "order-1")))
	require.Equal(t, int32(3), calls.Load())
}

func TestProcess_RetryCountHeaderIsHonoured(t *testing.T) {
	var calls atomic.Int32
	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error {
		calls.Add(1)
		return errors.New("permanent")
	}, WithMaxRetries(3))

	msg := completedMessage(t, 1, "order-1")
	msg.Headers = []*sarama.RecordHeader{nil, {Key: []byte(HeaderRetryCount), Value: []byte("1")}}

	require.Error(t, c.process(context.Background(), msg))
	require.Equal(t, int32(2), calls.Load())
}

func TestProcess_UndecodableGoesStraightToDLQ(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var letter DeadLetter
		if err := json.Unmarshal(value, &letter); err != nil {
			return err
		}
		if letter.OriginalValue != "not json" || letter.OriginalOffset != 9 || letter.RetryCount != 0 {
			return fmt.Errorf("unexpected dead letter %+v", letter)
		}
		return nil
	})

	handled := false
	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error {
		handled = true
		return nil
	}, WithDLQ(NewProducerFromSync(sp), ""))

	session := &fakeSession{ctx: context.Background()}
	poison := &sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 9, Value: []byte("not json")}
	require.NoError(t, c.ConsumeClaim(session, claimOf(poison)))

	require.False(t, handled)
	require.Equal(t, []int64{9}, session.marked, "dead-lettered message is committed")
	require.NoError(t, sp.Close())
}

func TestProcess_UndecodableWithoutDLQ(t *testing.T) {
	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error { return nil })

	err := c.process(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"id":"m-1"}`)})
	require.ErrorIs(t, err, ErrUndecodable)
}

func TestProcess_ExhaustedRetriesGoToDLQ(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == HeaderRetryCount && string(h.Value) != "2" {
				return fmt.Errorf("unexpected retry count %s", h.Value)
			}
		}
		return nil
	})

	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error {
		return domain.ErrPersistence
	}, WithMaxRetries(2), WithDLQ(NewProducerFromSync(sp), TopicDeadLetterQueue))

	require.NoError(t, c.process(context.Background(), completedMessage(t, 3, "order-3")))
	require.NoError(t, sp.Close())
}

func TestProcess_DLQFailureIsReported(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error {
		return errors.New("permanent")
	}, WithMaxRetries(1), WithDLQ(NewProducerFromSync(sp), ""))

	err := c.process(context.Background(), completedMessage(t, 4, "order-4"))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sp.Close())
}

func TestConsumer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rounds atomic.Int32
	group := &fakeGroup{
		errs: make(chan error, 1),
		consume: func(ctx context.Context) error {
			if rounds.Add(1) == 1 {
				// rebalance: Consume вернулся, цикл должен вызвать его снова
				return nil
			}
			<-ctx.Done()
			return nil
		},
	}
	c := testConsumer(nil)
	c.group = group

	group.errs <- errors.New("background error")
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return rounds.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, c.Stop())
}

func TestConsumer_StopReportsCloseError(t *testing.T) {
	c := testConsumer(nil)
	c.group = &fakeGroup{errs: make(chan error), closeErr: errors.New("close failed")}
	require.Error(t, c.Stop())
}

func TestConsumeClaim_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := testConsumer(func(context.Context, *OrderEventMessage, events.Event) error { return nil })

	done := make(chan struct{})
	go func() {
		_ = c.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{messages: make(chan *sarama.ConsumerMessage)})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}
