// Package comms provides the task lifecycle event bus.
package comms

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of queue event.
type EventType string

const (
	TypeEnqueued  EventType = "task_enqueued"  // task accepted into the queue
	TypeReady     EventType = "task_ready"     // dependencies satisfied, claimable
	TypeClaimed   EventType = "task_claimed"   // a worker won the claim
	TypeCompleted EventType = "task_completed" // finished successfully
	TypeFailed    EventType = "task_failed"    // finished with an error
	TypeCancelled EventType = "task_cancelled" // withdrawn before completion
	TypeRequeued  EventType = "task_requeued"  // stale claim released back to ready
)

// Event records one task state change.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	AgentType string    `json:"agent_type,omitempty"`
	Priority  int       `json:"priority,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(typ EventType, taskID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes published events.
type Handler func(ctx context.Context, ev *Event) error

// Bus carries task lifecycle events to interested subscribers: pollers
// waiting for work, dashboards, and loggers.
type Bus interface {
	// Publish delivers an event to subscribers of its type and to
	// wildcard subscribers.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for events of the given type. An
	// empty type subscribes to every event. Returns an unsubscribe
	// function.
	Subscribe(typ EventType, handler Handler) (unsubscribe func())

	// History returns recent events of the given type in chronological
	// order. An empty type returns events of every type.
	History(typ EventType, limit int) ([]*Event, error)
}
