package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

func TestOutboxRepository_EnqueueAndPullInOrder(t *testing.T) {
	repo := NewOutboxRepository()

	var ids []string
	for _, eventType := range []string{"order_created", "order_status_updated", "order_completed"} {
		saved, err := repo.Enqueue(domain.OutboxMessage{
			OrderID:   "order-1",
			EventType: eventType,
			Payload:   []byte(`{"type":"` + eventType + `"}`),
		})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if saved.ID == "" || saved.CreatedAt.IsZero() {
			t.Fatalf("expected generated id and timestamp, got %+v", saved)
		}
		ids = append(ids, saved.ID)
	}

	pending, err := repo.PullPending(2)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending messages, got %d", len(pending))
	}
	if pending[0].ID != ids[0] || pending[1].ID != ids[1] {
		t.Fatalf("expected enqueue order, got %s, %s", pending[0].ID, pending[1].ID)
	}

	pending[0].Payload[0] = 'X'
	if again, _ := repo.PullPending(1); again[0].Payload[0] != '{' {
		t.Fatal("pulled payload must be a copy")
	}
}

func TestOutboxRepository_StatsAndSettle(t *testing.T) {
	repo := NewOutboxRepository()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return base }

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 0 || stats.Lag(base) != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}

	first, _ := repo.Enqueue(domain.OutboxMessage{OrderID: "A", EventType: "order_created"})
	second, _ := repo.Enqueue(domain.OutboxMessage{OrderID: "B", EventType: "order_created"})

	stats, _ = repo.Stats()
	if stats.PendingCount != 2 || stats.Lag(base.Add(3*time.Second)) != 3*time.Second {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := repo.MarkSent(first.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	if err := repo.MarkFailed(second.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkSent(first.ID); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("settled message must not be settled again, got %v", err)
	}
	if err := repo.MarkFailed("missing"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish for missing record, got %v", err)
	}

	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("expected no pending messages, got %d", len(pending))
	}
}
