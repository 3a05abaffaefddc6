package dlq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func pendingMessage(id string, failedAt time.Time, nextRetry *time.Time) *Message {
	return &Message{
		ID:            id,
		OriginalTopic: "conversation.events",
		FailureReason: "processing",
		MaxRetries:    3,
		Status:        StatusPending,
		FirstFailedAt: failedAt,
		LastFailedAt:  failedAt,
		NextRetryAt:   nextRetry,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	m := pendingMessage("m-1", now, nil)
	m.Headers = map[string]string{"source": "test"}
	m.OriginalValue = []byte(`{"id":"e-1"}`)

	if err := store.Save(ctx, m); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.OriginalTopic != m.OriginalTopic || got.Headers["source"] != "test" {
		t.Fatalf("got %+v, want saved message", got)
	}

	// The store must hand out copies, not aliases.
	got.Headers["source"] = "mutated"
	again, err := store.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if again.Headers["source"] != "test" {
		t.Fatal("store returned an aliased message")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDueSelection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	earlier := now.Add(-2 * time.Minute)
	future := now.Add(time.Hour)

	if err := store.Save(ctx, pendingMessage("due-late", now, &past)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(ctx, pendingMessage("due-early", now, &earlier)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(ctx, pendingMessage("future", now, &future)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(ctx, pendingMessage("unscheduled", now, nil)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	resolved := pendingMessage("resolved", now, nil)
	resolved.Status = StatusResolved
	if err := store.Save(ctx, resolved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	due, err := store.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due messages, want 2", len(due))
	}
	if due[0].ID != "due-early" || due[1].ID != "due-late" {
		t.Fatalf("due messages not ordered oldest first: %s, %s", due[0].ID, due[1].ID)
	}

	limited, err := store.Due(ctx, now, 1)
	if err != nil {
		t.Fatalf("due failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "due-early" {
		t.Fatalf("limit not honored: %+v", limited)
	}
}

func TestMemoryStoreListOrderAndCount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		m := pendingMessage(id, base.Add(time.Duration(i)*time.Minute), nil)
		if err := store.Save(ctx, m); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	all, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("list not ordered most recent first: %+v", all)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("got count %d, want 3", n)
	}

	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n, _ := store.Count(ctx); n != 2 {
		t.Fatalf("got count %d after delete, want 2", n)
	}
	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatalf("deleting an unknown id must succeed, got %v", err)
	}
}

func TestMemoryStoreRejectsInvalidMessage(t *testing.T) {
	store := NewMemoryStore()
	m := pendingMessage("bad", time.Now().UTC(), nil)
	m.RetryCount = 5
	if err := store.Save(context.Background(), m); err == nil {
		t.Fatal("invalid message was saved")
	}
}
