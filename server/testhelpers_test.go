package server

import (
	"context"
	"fmt"
	"time"

	"github.com/capstanhq/capstan/comms"
	"github.com/capstanhq/capstan/task"
)

// noopStore satisfies task.Store for tests.
type noopStore struct{}

func (n *noopStore) Enqueue(_ *task.Task) error { return nil }
func (n *noopStore) Get(id string) (*task.Task, error) {
	return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
}
func (n *noopStore) List(_ task.Filter) ([]*task.Task, error) { return nil, nil }
func (n *noopStore) NextReady(_ task.ClaimFilter) (*task.Task, error) {
	return nil, nil
}
func (n *noopStore) MarkRunning(_ string) (bool, error) { return false, nil }
func (n *noopStore) Claim(_ task.ClaimFilter) (*task.Task, bool, error) {
	return nil, false, nil
}
func (n *noopStore) Complete(id string, _ bool, _, _ string) (*task.Completion, error) {
	return &task.Completion{TaskID: id}, nil
}
func (n *noopStore) Cancel(_ string) error { return nil }
func (n *noopStore) ReleaseStale(_ time.Duration) ([]string, error) {
	return nil, nil
}
func (n *noopStore) Status(_ task.StatusFilter) (*task.SystemStatus, error) {
	return &task.SystemStatus{ByStatus: map[task.Status]int{}}, nil
}
func (n *noopStore) Close() error { return nil }

// noopBus satisfies comms.Bus for tests.
type noopBus struct{}

func (n *noopBus) Publish(_ context.Context, _ *comms.Event) error { return nil }
func (n *noopBus) Subscribe(_ comms.EventType, _ comms.Handler) (unsubscribe func()) {
	return func() {}
}
func (n *noopBus) History(_ comms.EventType, _ int) ([]*comms.Event, error) { return nil, nil }
