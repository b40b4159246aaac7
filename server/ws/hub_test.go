package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHub_BroadcastReachesSubscriber(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeSSE(rr, req)
	}()

	// Wait for the subscriber to register
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Broadcast(Event{Type: "task_enqueued", Payload: map[string]string{"task_id": "fetch"}})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rr.Body.String()
	if !strings.Contains(body, `{"type":"connected"}`) {
		t.Errorf("body missing connected preamble: %q", body)
	}
	if !strings.Contains(body, "task_enqueued") || !strings.Contains(body, "fetch") {
		t.Errorf("body missing broadcast event: %q", body)
	}
	if h.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after disconnect, want 0", h.Subscribers())
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	// A subscriber with no buffer and no reader must not stall the hub.
	stuck := &subscriber{send: make(chan []byte)}
	h.mu.Lock()
	h.subs[stuck] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.Broadcast(Event{Type: "task_ready"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
}
