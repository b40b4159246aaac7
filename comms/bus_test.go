package comms

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe(TypeClaimed, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	ev := NewEvent(TypeClaimed, "task-1")
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	// Unsubscribe and verify no more events
	unsub()
	if err := bus.Publish(ctx, NewEvent(TypeClaimed, "task-2")); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_TypeRouting(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var claimed, completed int32
	bus.Subscribe(TypeClaimed, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&claimed, 1)
		return nil
	})
	bus.Subscribe(TypeCompleted, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&completed, 1)
		return nil
	})

	if err := bus.Publish(ctx, NewEvent(TypeClaimed, "task-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&claimed) != 1 {
		t.Errorf("claimed handler fired %d times, want 1", claimed)
	}
	if atomic.LoadInt32(&completed) != 0 {
		t.Errorf("completed handler fired %d times, want 0", completed)
	}
}

func TestInMemoryBus_WildcardSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var all int32
	bus.Subscribe("", func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&all, 1)
		return nil
	})

	for _, typ := range []EventType{TypeEnqueued, TypeReady, TypeClaimed, TypeCompleted} {
		if err := bus.Publish(ctx, NewEvent(typ, "task-1")); err != nil {
			t.Fatalf("Publish %s: %v", typ, err)
		}
	}
	if atomic.LoadInt32(&all) != 4 {
		t.Errorf("wildcard handler fired %d times, want 4", all)
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	bus.Publish(ctx, NewEvent(TypeEnqueued, "a"))
	bus.Publish(ctx, NewEvent(TypeClaimed, "a"))
	bus.Publish(ctx, NewEvent(TypeEnqueued, "b"))
	bus.Publish(ctx, NewEvent(TypeCompleted, "a"))

	hist, err := bus.History(TypeEnqueued, 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("History len = %d, want 2", len(hist))
	}
	// Chronological order: a was enqueued before b.
	if hist[0].TaskID != "a" || hist[1].TaskID != "b" {
		t.Errorf("History order = [%s %s], want [a b]", hist[0].TaskID, hist[1].TaskID)
	}

	all, err := bus.History("", 100)
	if err != nil {
		t.Fatalf("History all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("History all len = %d, want 4", len(all))
	}
}

func TestInMemoryBus_History_Limit(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, NewEvent(TypeReady, "task"))
	}

	hist, err := bus.History(TypeReady, 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Errorf("History with limit 5 returned %d events", len(hist))
	}
}

func TestInMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var count int32
	bus.Subscribe(TypeReady, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	bus.Subscribe(TypeReady, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	bus.Publish(ctx, NewEvent(TypeReady, "task-1"))

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("count = %d, want 2 (both handlers fired)", count)
	}
}
