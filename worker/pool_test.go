package worker

import (
	"context"
	"testing"
	"time"
)

func poolWorker(id string, client *fakeClient) *Worker {
	return New(Config{
		ID:           id,
		AgentType:    "builder",
		Client:       client,
		Executor:     noopExecutor("noop"),
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
}

func TestPool_StartStopAll(t *testing.T) {
	client := &fakeClient{}
	p := NewPool()
	p.Add(poolWorker("worker-1", client))
	p.Add(poolWorker("worker-2", client))

	ctx := context.Background()
	if err := p.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitFor(t, "both workers polling", func() bool { return client.pollCount() >= 4 })

	infos := p.Infos()
	if len(infos) != 2 {
		t.Fatalf("Infos = %d workers, want 2", len(infos))
	}
	if infos[0].ID != "worker-1" || infos[1].ID != "worker-2" {
		t.Errorf("Infos IDs = %q, %q", infos[0].ID, infos[1].ID)
	}

	if err := p.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, info := range p.Infos() {
		if info.Status != StatusStopped {
			t.Errorf("worker %s Status = %q, want stopped", info.ID, info.Status)
		}
	}
}

func TestPool_StartAllReportsFirstFailure(t *testing.T) {
	client := &fakeClient{}
	w := poolWorker("worker-1", client)
	p := NewPool()
	p.Add(w)
	p.Add(w) // same worker twice, second Start must fail

	ctx := context.Background()
	if err := p.StartAll(ctx); err == nil {
		t.Fatal("expected error starting the same worker twice")
	}
	if err := p.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}
