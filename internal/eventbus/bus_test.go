package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
)

type recordingMetrics struct {
	mu          sync.Mutex
	published   map[string]int
	dropped     map[string]int
	subscribers int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{published: map[string]int{}, dropped: map[string]int{}}
}

func (m *recordingMetrics) RecordPublished(kind string, delivered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[kind] += delivered
}

func (m *recordingMetrics) RecordDropped(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[kind]++
}

func (m *recordingMetrics) SetSubscribers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = n
}

func created(id string) events.OrderCreated {
	return events.OrderCreated{Order: domain.Order{ID: id, Status: domain.OrderStatusPending, Type: domain.OrderTypeInstant}}
}

func receive(t *testing.T, sub *Subscription) events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	const n = 5
	subs := make([]*Subscription, 0, n)
	for i := 0; i < n; i++ {
		sub, err := bus.Subscribe(fmt.Sprintf("staff-%d", i))
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		subs = append(subs, sub)
	}

	if delivered := bus.Publish(created("X")); delivered != n {
		t.Fatalf("expected %d deliveries, got %d", n, delivered)
	}

	for _, sub := range subs {
		ev := receive(t, sub)
		if ev.Kind() != events.KindOrderCreated || ev.AggregateID() != "X" {
			t.Fatalf("unexpected event %#v", ev)
		}
		select {
		case extra := <-sub.Events():
			t.Fatalf("unexpected second delivery %#v", extra)
		default:
		}
	}
}

func TestLateSubscriberDoesNotReceiveEarlierEvents(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.Publish(created("early"))

	sub, err := bus.Subscribe("late")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Publish(created("later"))

	if ev := receive(t, sub); ev.AggregateID() != "later" {
		t.Fatalf("expected only events after subscription, got %q", ev.AggregateID())
	}
}

func TestPerSubscriberOrderIsPreserved(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub, err := bus.Subscribe("staff")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	order := domain.Order{ID: "X", Status: domain.OrderStatusPending, Type: domain.OrderTypeDelayed}
	bus.Publish(events.OrderCreated{Order: order})
	order.Status = domain.OrderStatusPreparing
	bus.Publish(events.OrderStatusUpdated{Order: order})
	order.Status = domain.OrderStatusCompleted
	bus.Publish(events.OrderStatusUpdated{Order: order})

	want := []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusPreparing, domain.OrderStatusCompleted}
	for i, status := range want {
		ev := receive(t, sub)
		var got domain.OrderStatus
		switch e := ev.(type) {
		case events.OrderCreated:
			got = e.Order.Status
		case events.OrderStatusUpdated:
			got = e.Order.Status
		}
		if got != status {
			t.Fatalf("event %d: expected %s, got %s", i, status, got)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	metrics := newRecordingMetrics()
	bus := New(WithBufferSize(1), WithMetrics(metrics))
	defer bus.Close()

	slow, err := bus.Subscribe("slow")
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	fast, err := bus.Subscribe("fast")
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			bus.Publish(created(fmt.Sprintf("o-%d", i)))
			// быстрый подписчик успевает вычитать каждое событие
			<-fast.Events()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	if !slow.NeedsResync() {
		t.Fatal("slow subscriber must be flagged for resync")
	}
	if slow.NeedsResync() {
		t.Fatal("resync flag must reset after being read")
	}
	if fast.NeedsResync() {
		t.Fatal("fast subscriber must not be flagged")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.dropped[string(events.KindOrderCreated)] != 2 {
		t.Fatalf("expected 2 dropped deliveries, got %d", metrics.dropped[string(events.KindOrderCreated)])
	}
	if metrics.published[string(events.KindOrderCreated)] != 4 {
		t.Fatalf("expected 4 successful deliveries, got %d", metrics.published[string(events.KindOrderCreated)])
	}
}

func TestSubscriptionCloseRemovesSubscriber(t *testing.T) {
	metrics := newRecordingMetrics()
	bus := New(WithMetrics(metrics))
	defer bus.Close()

	sub, err := bus.Subscribe("staff")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	sub.Close()
	sub.Close()

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	if delivered := bus.Publish(created("X")); delivered != 0 {
		t.Fatalf("expected no deliveries, got %d", delivered)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.subscribers != 0 {
		t.Fatalf("expected subscriber gauge 0, got %d", metrics.subscribers)
	}
}

func TestClosedBus(t *testing.T) {
	bus := New()
	sub, err := bus.Subscribe("staff")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Close()
	bus.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("subscription must be closed together with bus")
	}
	sub.Close()

	if _, err := bus.Subscribe("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if delivered := bus.Publish(created("X")); delivered != 0 {
		t.Fatalf("expected publish on closed bus to be a no-op, got %d", delivered)
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := New(WithBufferSize(4))
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := bus.Subscribe(fmt.Sprintf("s-%d", i))
			if err != nil {
				t.Errorf("subscribe: %v", err)
				return
			}
			for j := 0; j < 10; j++ {
				bus.Publish(created(fmt.Sprintf("%d-%d", i, j)))
			}
			sub.Close()
		}(i)
	}
	wg.Wait()

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected all subscribers removed, got %d", bus.SubscriberCount())
	}
}
