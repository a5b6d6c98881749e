package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/storage/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	// repo позволяет проверить, что событие видно чтению в момент публикации.
	repo    domain.OrderRepository
	visible []bool
}

func (p *recordingPublisher) Publish(ev events.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)

	if p.repo != nil {
		ok := false
		switch e := ev.(type) {
		case events.OrderCreated:
			_, err := p.repo.Get(e.Order.ID)
			ok = err == nil
		case events.OrderStatusUpdated:
			stored, err := p.repo.Get(e.Order.ID)
			ok = err == nil && stored.Status == e.Order.Status
		default:
			ok = true
		}
		p.visible = append(p.visible, ok)
	}
	return 1
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]events.Kind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

func (p *recordingPublisher) count(kind events.Kind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type failingRepository struct {
	domain.OrderRepository
	createErr error
	saveErr   error
	listErr   error
}

func (r *failingRepository) Create(order domain.Order) error {
	if r.createErr != nil {
		return r.createErr
	}
	return r.OrderRepository.Create(order)
}

func (r *failingRepository) Save(order domain.Order) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.OrderRepository.Save(order)
}

func (r *failingRepository) List() ([]domain.Order, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.OrderRepository.List()
}

func newTestService(t *testing.T, opts ...Option) (*Service, domain.OrderRepository, *recordingPublisher) {
	t.Helper()
	repo := memory.NewOrderRepository()
	pub := &recordingPublisher{repo: repo}
	seq := 0
	base := []Option{
		WithTimeline(memory.NewTimelineRepository()),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("order-%d", seq)
		}),
	}
	return NewService(repo, pub, append(base, opts...)...), repo, pub
}

func burger(qty int32) domain.OrderItem {
	return domain.OrderItem{Name: "Burger", Quantity: qty, Price: 150}
}

func TestCreateOrderThenGetIsPendingWithComputedTotal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	inputs := [][]domain.OrderItem{
		{burger(1)},
		{burger(3), {Name: "Fries", Quantity: 2, Price: 100}},
		{{Name: "Salad", Quantity: 1, Price: 0}},
	}

	for i, items := range inputs {
		created, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: "Bo", Items: items, Type: domain.OrderTypeDelayed})
		if err != nil {
			t.Fatalf("case %d: create: %v", i, err)
		}

		got, err := svc.GetOrder(ctx, created.ID)
		if err != nil {
			t.Fatalf("case %d: get: %v", i, err)
		}
		if got.Status != domain.OrderStatusPending {
			t.Fatalf("case %d: expected pending, got %s", i, got.Status)
		}
		if got.TotalPrice != domain.ItemsTotal(items) {
			t.Fatalf("case %d: expected total %d, got %d", i, domain.ItemsTotal(items), got.TotalPrice)
		}
	}
}

func TestCreateOrderAshaScenario(t *testing.T) {
	svc, _, pub := newTestService(t)

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		StudentName: "Asha",
		Items:       []domain.OrderItem{burger(1)},
		Type:        domain.OrderTypeInstant,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != domain.OrderStatusPending || order.TotalPrice != 150 || len(order.Items) != 1 {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.ID == "" || order.CreatedAt.IsZero() {
		t.Fatalf("expected assigned id and createdAt, got %+v", order)
	}
	if kinds := pub.kinds(); len(kinds) != 1 || kinds[0] != events.KindOrderCreated {
		t.Fatalf("expected exactly one order_created, got %v", kinds)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	mismatch := int64(999)
	cases := []struct {
		name  string
		input CreateOrderInput
		want  error
	}{
		{
			name:  "empty items",
			input: CreateOrderInput{StudentName: "Asha", Type: domain.OrderTypeInstant},
			want:  domain.ErrItemsRequired,
		},
		{
			name:  "zero quantity",
			input: CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(0)}, Type: domain.OrderTypeInstant},
			want:  domain.ErrItemQtyInvalid,
		},
		{
			name:  "unknown type",
			input: CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: "lunch"},
			want:  domain.ErrOrderTypeInvalid,
		},
		{
			name:  "blank name",
			input: CreateOrderInput{StudentName: "  ", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant},
			want:  domain.ErrStudentNameRequired,
		},
		{
			name:  "total mismatch",
			input: CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant, TotalPrice: &mismatch},
			want:  domain.ErrAmountMismatch,
		},
		{
			name: "duplicate name with different price",
			input: CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{
				burger(1), {Name: "Burger", Quantity: 1, Price: 160},
			}, Type: domain.OrderTypeInstant},
			want: domain.ErrItemDuplicate,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, pub := newTestService(t)
			_, err := svc.CreateOrder(context.Background(), tc.input)
			if !domain.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v in chain, got %v", tc.want, err)
			}
			if orders, _ := repo.List(); len(orders) != 0 {
				t.Fatalf("nothing must be persisted, got %d orders", len(orders))
			}
			if len(pub.kinds()) != 0 {
				t.Fatalf("nothing must be published, got %v", pub.kinds())
			}
		})
	}
}

func TestCreateOrderMergesDuplicateItems(t *testing.T) {
	svc, _, _ := newTestService(t)
	total := int64(500)

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		StudentName: "Asha",
		Items: []domain.OrderItem{
			burger(1),
			{Name: "Fries", Quantity: 2, Price: 100},
			burger(1),
		},
		Type:       domain.OrderTypeInstant,
		TotalPrice: &total,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(order.Items) != 2 || order.Items[0].Name != "Burger" || order.Items[0].Quantity != 2 {
		t.Fatalf("expected merged items in first-occurrence order, got %+v", order.Items)
	}
}

func TestCreateOrderPersistenceFailurePublishesNothing(t *testing.T) {
	repo := &failingRepository{OrderRepository: memory.NewOrderRepository(), createErr: errors.New("disk full")}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant,
	})
	if !domain.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(pub.kinds()) != 0 {
		t.Fatalf("expected no events, got %v", pub.kinds())
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	cases := []struct {
		name    string
		path    []domain.OrderStatus
		target  domain.OrderStatus
		allowed bool
	}{
		{name: "pending to preparing", target: domain.OrderStatusPreparing, allowed: true},
		{name: "preparing to completed", path: []domain.OrderStatus{domain.OrderStatusPreparing}, target: domain.OrderStatusCompleted, allowed: true},
		{name: "pending to completed", target: domain.OrderStatusCompleted, allowed: true},
		{name: "completed to pending", path: []domain.OrderStatus{domain.OrderStatusCompleted}, target: domain.OrderStatusPending},
		{name: "completed to preparing", path: []domain.OrderStatus{domain.OrderStatusCompleted}, target: domain.OrderStatusPreparing},
		{name: "preparing to pending", path: []domain.OrderStatus{domain.OrderStatusPreparing}, target: domain.OrderStatusPending},
		{name: "pending repeat", target: domain.OrderStatusPending},
		{name: "completed repeat", path: []domain.OrderStatus{domain.OrderStatusCompleted}, target: domain.OrderStatusCompleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, pub := newTestService(t)
			ctx := context.Background()

			order, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			for _, step := range tc.path {
				if _, err := svc.UpdateStatus(ctx, order.ID, step); err != nil {
					t.Fatalf("setup step %s: %v", step, err)
				}
			}
			before := len(pub.kinds())
			stored, _ := svc.GetOrder(ctx, order.ID)

			updated, err := svc.UpdateStatus(ctx, order.ID, tc.target)
			if tc.allowed {
				if err != nil {
					t.Fatalf("expected transition to succeed, got %v", err)
				}
				if updated.Status != tc.target {
					t.Fatalf("expected status %s, got %s", tc.target, updated.Status)
				}
				return
			}

			if !domain.IsInvalidTransition(err) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
			if len(pub.kinds()) != before {
				t.Fatalf("rejected transition must not publish, got %v", pub.kinds()[before:])
			}
			after, _ := svc.GetOrder(ctx, order.ID)
			if after.Status != stored.Status || after.Version != stored.Version {
				t.Fatalf("rejected transition must not persist: before %+v after %+v", stored, after)
			}
		})
	}
}

func TestUpdateStatusCompletionScenario(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := []events.Kind{events.KindOrderCreated, events.KindOrderStatusUpdated, events.KindOrderCompleted}
	got := pub.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	pub.mu.Lock()
	updated := pub.events[1].(events.OrderStatusUpdated)
	completed := pub.events[2].(events.OrderCompleted)
	visible := append([]bool(nil), pub.visible...)
	pub.mu.Unlock()

	if updated.Order.Status != domain.OrderStatusCompleted || updated.Order.ID != order.ID {
		t.Fatalf("unexpected status event %+v", updated)
	}
	if completed.OrderID != order.ID || completed.StudentName != "Asha" || len(completed.Items) != 1 {
		t.Fatalf("unexpected completion event %+v", completed)
	}
	for i, ok := range visible {
		if !ok {
			t.Fatalf("event %d was published before its write was readable", i)
		}
	}

	// повторное завершение отклоняется и не рождает второго order_completed
	if _, err := svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted); !domain.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if n := pub.count(events.KindOrderCompleted); n != 1 {
		t.Fatalf("expected exactly one order_completed, got %d", n)
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateStatus(ctx, "missing", domain.OrderStatusPreparing); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, "missing", "cooking"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, " ", domain.OrderStatusPreparing); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for blank id, got %v", err)
	}
	if len(pub.kinds()) != 0 {
		t.Fatalf("errors must not publish, got %v", pub.kinds())
	}
}

func TestUpdateStatusPersistenceFailure(t *testing.T) {
	inner := memory.NewOrderRepository()
	repo := &failingRepository{OrderRepository: inner}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	repo.saveErr = errors.New("connection reset")
	if _, err := svc.UpdateStatus(ctx, order.ID, domain.OrderStatusPreparing); !domain.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if n := pub.count(events.KindOrderStatusUpdated); n != 0 {
		t.Fatalf("failed write must not publish, got %d", n)
	}
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !domain.IsInvalidTransition(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one successful completion, got %d", succeeded)
	}
	if n := pub.count(events.KindOrderCompleted); n != 1 {
		t.Fatalf("expected exactly one order_completed, got %d", n)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		if _, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: name, Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	list, err := svc.ListOrders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].StudentName != "third" || list[2].StudentName != "first" {
		t.Fatalf("expected newest first, got %+v", list)
	}
}

func TestListOrdersPersistenceFailure(t *testing.T) {
	repo := &failingRepository{OrderRepository: memory.NewOrderRepository(), listErr: errors.New("timeout")}
	svc := NewService(repo, nil)

	if _, err := svc.ListOrders(context.Background()); !domain.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestTimelineRecordsEveryAcceptedStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, order.ID, domain.OrderStatusPreparing); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	_, _ = svc.UpdateStatus(ctx, order.ID, domain.OrderStatusPending)
	if _, err := svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	timeline, err := svc.Timeline(ctx, order.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	want := []string{"pending", "preparing", "completed"}
	if len(timeline) != len(want) {
		t.Fatalf("expected %d timeline events, got %+v", len(want), timeline)
	}
	for i, reason := range want {
		if timeline[i].Reason != reason {
			t.Fatalf("timeline[%d] = %s, want %s", i, timeline[i].Reason, reason)
		}
	}

	if _, err := svc.Timeline(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPublishedEventsAreMirroredToOutbox(t *testing.T) {
	outbox := memory.NewOutboxRepository()
	svc, _, _ := newTestService(t, WithOutbox(outbox))
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{StudentName: "Asha", Items: []domain.OrderItem{burger(1)}, Type: domain.OrderTypeInstant})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	pending := outbox.AllPending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 outbox messages, got %d", len(pending))
	}
	wantTypes := []string{"order_created", "order_status_updated", "order_completed"}
	for i, msg := range pending {
		if msg.EventType != wantTypes[i] || msg.OrderID != order.ID || msg.CreatedAt.IsZero() {
			t.Fatalf("unexpected outbox message %d: %+v", i, msg)
		}
		ev, err := events.DecodeEvent(msg.Payload)
		if err != nil {
			t.Fatalf("outbox payload %d is not a valid event: %v", i, err)
		}
		if string(ev.Kind()) != wantTypes[i] {
			t.Fatalf("payload kind %s, want %s", ev.Kind(), wantTypes[i])
		}
	}
}

func TestCanceledContext(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.CreateOrder(ctx, CreateOrderInput{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := svc.ListOrders(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
