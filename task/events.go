package task

import (
	"context"
	"time"

	"github.com/capstanhq/capstan/comms"
)

// EventedStore decorates a Store with lifecycle event publication so
// dashboards and pollers can observe the queue without polling it.
// Event delivery is best effort: queue state never depends on it, and a
// failing subscriber never fails a queue operation.
type EventedStore struct {
	Store
	bus comms.Bus
}

// NewEventedStore wraps inner so every state transition is announced on
// bus.
func NewEventedStore(inner Store, bus comms.Bus) *EventedStore {
	return &EventedStore{Store: inner, bus: bus}
}

func (e *EventedStore) publish(ev *comms.Event) {
	_ = e.bus.Publish(context.Background(), ev)
}

func (e *EventedStore) taskEvent(typ comms.EventType, t *Task) *comms.Event {
	ev := comms.NewEvent(typ, t.ID)
	ev.AgentType = t.AgentType
	ev.Priority = t.Priority
	return ev
}

// Enqueue persists the task and announces it. A task entering the queue
// already claimable additionally announces readiness.
func (e *EventedStore) Enqueue(t *Task) error {
	if err := e.Store.Enqueue(t); err != nil {
		return err
	}
	ev := e.taskEvent(comms.TypeEnqueued, t)
	ev.Detail = string(t.Status)
	e.publish(ev)
	if t.Status == StatusReady {
		e.publish(e.taskEvent(comms.TypeReady, t))
	}
	return nil
}

// MarkRunning announces a won claim.
func (e *EventedStore) MarkRunning(id string) (bool, error) {
	won, err := e.Store.MarkRunning(id)
	if err == nil && won {
		e.publish(comms.NewEvent(comms.TypeClaimed, id))
	}
	return won, err
}

// Claim announces the claimed task when one was won.
func (e *EventedStore) Claim(f ClaimFilter) (*Task, bool, error) {
	t, contended, err := e.Store.Claim(f)
	if err == nil && t != nil {
		e.publish(e.taskEvent(comms.TypeClaimed, t))
	}
	return t, contended, err
}

// Complete announces the terminal transition and a readiness event for
// every dependent it unblocked. No-op completions announce nothing.
func (e *EventedStore) Complete(id string, success bool, result, errMsg string) (*Completion, error) {
	out, err := e.Store.Complete(id, success, result, errMsg)
	if err != nil || out == nil || !out.Applied {
		return out, err
	}
	if out.FinalStatus == StatusCompleted {
		e.publish(comms.NewEvent(comms.TypeCompleted, id))
	} else {
		ev := comms.NewEvent(comms.TypeFailed, id)
		ev.Detail = errMsg
		e.publish(ev)
	}
	for _, dep := range out.Triggered {
		e.publish(comms.NewEvent(comms.TypeReady, dep))
	}
	return out, err
}

// Cancel announces the cancellation.
func (e *EventedStore) Cancel(id string) error {
	if err := e.Store.Cancel(id); err != nil {
		return err
	}
	e.publish(comms.NewEvent(comms.TypeCancelled, id))
	return nil
}

// ReleaseStale announces every task returned to the ready state.
func (e *EventedStore) ReleaseStale(olderThan time.Duration) ([]string, error) {
	released, err := e.Store.ReleaseStale(olderThan)
	if err != nil {
		return released, err
	}
	for _, id := range released {
		ev := comms.NewEvent(comms.TypeRequeued, id)
		e.publish(ev)
	}
	return released, err
}
