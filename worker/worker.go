// Package worker runs poll loops that claim tasks from the queue and
// execute them.
//
// Workers pull: each loop asks the coordinator for the next claimable
// task of its agent type, runs it through an Executor, and reports the
// outcome. The queue stays non-blocking; an empty answer just means
// sleep and ask again.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/capstanhq/capstan/protocol"
	"github.com/capstanhq/capstan/task"
)

// Status represents the current state of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusStopped Status = "stopped"
)

// Executor performs the actual work of a claimed task. The returned
// string becomes the task result; a non-nil error marks it failed with
// the error text recorded.
type Executor interface {
	Name() string
	Execute(ctx context.Context, t *task.Task) (string, error)
}

// Client is the slice of the coordinator surface a worker needs.
type Client interface {
	GetNextTask(ctx context.Context, args protocol.GetNextTaskArgs) (*protocol.GetNextTaskResult, error)
	CompleteTask(ctx context.Context, args protocol.CompleteTaskArgs) (*protocol.CompleteTaskResult, error)
}

// Config wires one worker.
type Config struct {
	ID           string
	AgentType    string
	Client       Client
	Executor     Executor
	PollInterval time.Duration // default 500ms
	Logger       *slog.Logger
}

// Info provides read-only metadata about a worker.
type Info struct {
	ID          string    `json:"id"`
	AgentType   string    `json:"agent_type"`
	Status      Status    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Worker claims and executes tasks for one agent type.
type Worker struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *slog.Logger
	status    Status
	curTask   string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a worker from the given config.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: logger, status: StatusIdle}
}

// Info returns the worker's current metadata.
func (w *Worker) Info() Info {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Info{
		ID:          w.cfg.ID,
		AgentType:   w.cfg.AgentType,
		Status:      w.status,
		CurrentTask: w.curTask,
		StartedAt:   w.startedAt,
	}
}

// Start begins the worker's poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.cfg.ID)
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.status = StatusIdle
	w.startedAt = time.Now()
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()

	go w.loop(ctx, done)
	return nil
}

// Stop halts the poll loop and waits for the current iteration to
// finish. An executing task sees its context cancelled.
func (w *Worker) Stop(_ context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	w.mu.Lock()
	w.status = StatusStopped
	w.mu.Unlock()
	return nil
}

func (w *Worker) setStatus(s Status, taskID string) {
	w.mu.Lock()
	w.status = s
	w.curTask = taskID
	w.mu.Unlock()
}

// loop alternates between claiming and a brief pause to avoid a
// busy-loop against an empty queue.
func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed := w.claim(ctx)
		if claimed == nil {
			w.setStatus(StatusIdle, "")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.processTask(ctx, claimed)
	}
}

func (w *Worker) claim(ctx context.Context) *task.Task {
	res, err := w.cfg.Client.GetNextTask(ctx, protocol.GetNextTaskArgs{AgentType: w.cfg.AgentType})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("claim failed", "worker", w.cfg.ID, "error", err)
		}
		return nil
	}
	if !res.Success || res.Task == nil {
		return nil
	}
	return res.Task
}

// processTask executes one claimed task and reports the outcome. The
// task's timeout_seconds budget is enforced here, on the executing
// side, not by the queue.
func (w *Worker) processTask(ctx context.Context, t *task.Task) {
	w.setStatus(StatusWorking, t.ID)
	defer w.setStatus(StatusIdle, "")

	w.logger.Info("task started", "worker", w.cfg.ID, "task", t.ID, "priority", t.Priority)

	execCtx := ctx
	if t.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := w.cfg.Executor.Execute(execCtx, t)

	ok := err == nil
	args := protocol.CompleteTaskArgs{TaskID: t.ID, Success: &ok}
	if err != nil {
		args.ErrorMessage = err.Error()
		w.logger.Warn("task failed", "worker", w.cfg.ID, "task", t.ID, "error", err)
	} else {
		args.Result = result
		w.logger.Info("task finished", "worker", w.cfg.ID, "task", t.ID)
	}

	if _, cerr := w.cfg.Client.CompleteTask(ctx, args); cerr != nil {
		// The claim stays running until stale-claim recovery returns it
		// to the queue.
		w.logger.Error("completion report failed", "worker", w.cfg.ID, "task", t.ID, "error", cerr)
	}
}
