package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/capstanhq/capstan/protocol"
	"github.com/capstanhq/capstan/task"
)

// fakeClient serves tasks from an in-memory queue and records every
// completion report it receives.
type fakeClient struct {
	mu        sync.Mutex
	queue     []*task.Task
	completed []protocol.CompleteTaskArgs
	polls     int
}

func (c *fakeClient) GetNextTask(_ context.Context, args protocol.GetNextTaskArgs) (*protocol.GetNextTaskResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	for i, t := range c.queue {
		if args.AgentType != "" && t.AgentType != args.AgentType {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		t.Status = task.StatusRunning
		return &protocol.GetNextTaskResult{Success: true, Task: t}, nil
	}
	return &protocol.GetNextTaskResult{Success: true, Message: "no tasks available"}, nil
}

func (c *fakeClient) CompleteTask(_ context.Context, args protocol.CompleteTaskArgs) (*protocol.CompleteTaskResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, args)
	return &protocol.CompleteTaskResult{Success: true, TaskID: args.TaskID, Found: true}, nil
}

func (c *fakeClient) completions() []protocol.CompleteTaskArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.CompleteTaskArgs, len(c.completed))
	copy(out, c.completed)
	return out
}

func (c *fakeClient) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// funcExecutor adapts a function into an Executor.
type funcExecutor struct {
	name string
	fn   func(ctx context.Context, t *task.Task) (string, error)
}

func (e *funcExecutor) Name() string { return e.name }

func (e *funcExecutor) Execute(ctx context.Context, t *task.Task) (string, error) {
	return e.fn(ctx, t)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestWorker_Info(t *testing.T) {
	w := New(Config{ID: "worker-1", AgentType: "builder", Logger: quietLogger()})
	info := w.Info()
	if info.ID != "worker-1" {
		t.Errorf("ID = %q, want worker-1", info.ID)
	}
	if info.AgentType != "builder" {
		t.Errorf("AgentType = %q, want builder", info.AgentType)
	}
	if info.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", info.Status)
	}
}

func TestWorker_ProcessesClaimedTask(t *testing.T) {
	client := &fakeClient{queue: []*task.Task{
		{ID: "fetch", AgentType: "builder", Description: "fetch sources", Priority: 5},
	}}
	w := New(Config{
		ID:        "worker-1",
		AgentType: "builder",
		Client:    client,
		Executor: &funcExecutor{name: "echo", fn: func(_ context.Context, tk *task.Task) (string, error) {
			return "done: " + tk.ID, nil
		}},
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	waitFor(t, "completion report", func() bool { return len(client.completions()) == 1 })

	got := client.completions()[0]
	if got.TaskID != "fetch" {
		t.Errorf("TaskID = %q, want fetch", got.TaskID)
	}
	if got.Success == nil || !*got.Success {
		t.Error("Success = false, want true")
	}
	if got.Result != "done: fetch" {
		t.Errorf("Result = %v, want done: fetch", got.Result)
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", got.ErrorMessage)
	}

	waitFor(t, "idle status", func() bool { return w.Info().Status == StatusIdle })
	if cur := w.Info().CurrentTask; cur != "" {
		t.Errorf("CurrentTask = %q, want empty", cur)
	}
}

func TestWorker_SkipsOtherAgentTypes(t *testing.T) {
	client := &fakeClient{queue: []*task.Task{
		{ID: "review", AgentType: "reviewer", Description: "review", Priority: 5},
	}}
	w := New(Config{
		ID:        "worker-1",
		AgentType: "builder",
		Client:    client,
		Executor: &funcExecutor{name: "noop", fn: func(_ context.Context, _ *task.Task) (string, error) {
			return "", nil
		}},
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	waitFor(t, "a few polls", func() bool { return client.pollCount() >= 3 })
	if n := len(client.completions()); n != 0 {
		t.Errorf("completions = %d, want 0", n)
	}
}

func TestWorker_ReportsExecutionFailure(t *testing.T) {
	client := &fakeClient{queue: []*task.Task{
		{ID: "flaky", AgentType: "builder", Description: "always breaks", Priority: 5},
	}}
	w := New(Config{
		ID:        "worker-1",
		AgentType: "builder",
		Client:    client,
		Executor: &funcExecutor{name: "boom", fn: func(_ context.Context, _ *task.Task) (string, error) {
			return "", errors.New("boom")
		}},
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	waitFor(t, "failure report", func() bool { return len(client.completions()) == 1 })

	got := client.completions()[0]
	if got.Success == nil || *got.Success {
		t.Error("Success = true, want false")
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want boom", got.ErrorMessage)
	}
	if got.Result != nil {
		t.Errorf("Result = %v, want nil", got.Result)
	}
}

func TestWorker_TimeoutBudget(t *testing.T) {
	client := &fakeClient{queue: []*task.Task{
		{ID: "bounded", AgentType: "builder", Description: "has a budget", Priority: 5, TimeoutSeconds: 30},
		{ID: "unbounded", AgentType: "builder", Description: "no budget", Priority: 5},
	}}
	w := New(Config{
		ID:        "worker-1",
		AgentType: "builder",
		Client:    client,
		Executor: &funcExecutor{name: "probe", fn: func(ctx context.Context, _ *task.Task) (string, error) {
			if _, ok := ctx.Deadline(); ok {
				return "deadline", nil
			}
			return "open", nil
		}},
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	waitFor(t, "both reports", func() bool { return len(client.completions()) == 2 })

	results := map[string]any{}
	for _, c := range client.completions() {
		results[c.TaskID] = c.Result
	}
	if results["bounded"] != "deadline" {
		t.Errorf("bounded task result = %v, want deadline", results["bounded"])
	}
	if results["unbounded"] != "open" {
		t.Errorf("unbounded task result = %v, want open", results["unbounded"])
	}
}

func TestWorker_StopHaltsPolling(t *testing.T) {
	client := &fakeClient{}
	w := New(Config{
		ID:        "worker-1",
		AgentType: "builder",
		Client:    client,
		Executor: &funcExecutor{name: "noop", fn: func(_ context.Context, _ *task.Task) (string, error) {
			return "", nil
		}},
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("expected error starting a running worker")
	}

	waitFor(t, "polling to begin", func() bool { return client.pollCount() >= 2 })

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := w.Info().Status; got != StatusStopped {
		t.Errorf("Status after Stop = %q, want stopped", got)
	}

	before := client.pollCount()
	time.Sleep(50 * time.Millisecond)
	if after := client.pollCount(); after != before {
		t.Errorf("poll count moved from %d to %d after Stop", before, after)
	}

	// A stopped worker can be started again.
	if err := w.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}
