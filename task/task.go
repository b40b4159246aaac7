// Package task defines the task model and the durable, dependency-aware
// queue that workers claim from.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusBlocked marks a task with at least one unmet dependency.
	StatusBlocked Status = "blocked"
	// StatusReady marks a task whose dependencies are all completed and
	// which has not yet been claimed.
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks are never
// claimed or re-triggered.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusBlocked, StatusReady, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority bounds. 10 is the most urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Sentinel errors returned by Store implementations. Callers branch with
// errors.Is.
var (
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidTask  = errors.New("invalid task")
)

// Task is a unit of work handed out to exactly one worker.
//
// Tools, TimeoutSeconds, MaxRetries, Environment, Metadata, and Tags are
// opaque to the queue: they travel with the task for the executing worker
// and are never interpreted here.
type Task struct {
	ID             string            `json:"id"`
	AgentType      string            `json:"agent_type"`
	Description    string            `json:"description"`
	Status         Status            `json:"status"`
	Priority       int               `json:"priority"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	WorkspacePath  string            `json:"workspace_path,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	RetryCount     int               `json:"retry_count"`
	Result         string            `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Validate checks the caller-controlled fields of a task about to be
// enqueued. Dependency ids may reference tasks that do not exist yet;
// only malformed values are rejected here.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidTask)
	}
	if t.AgentType == "" {
		return fmt.Errorf("%w: agent_type must not be empty", ErrInvalidTask)
	}
	if t.Description == "" {
		return fmt.Errorf("%w: description must not be empty", ErrInvalidTask)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range [%d,%d]", ErrInvalidTask, t.Priority, MinPriority, MaxPriority)
	}
	for _, dep := range t.Dependencies {
		if dep == "" {
			return fmt.Errorf("%w: dependency ids must not be empty", ErrInvalidTask)
		}
	}
	return nil
}

// Completion is the outcome of a Complete call.
//
// Found is false when the id was unknown (the call still succeeds as a
// no-op). Applied is true only when this call performed the terminal
// transition; repeated completions of the same id leave Applied false and
// Triggered empty, so dependents are never promoted twice.
type Completion struct {
	TaskID      string   `json:"task_id"`
	Found       bool     `json:"found"`
	Applied     bool     `json:"applied"`
	FinalStatus Status   `json:"final_status,omitempty"`
	Triggered   []string `json:"triggered,omitempty"`
}

// ClaimFilter narrows candidate tasks for NextReady and Claim.
// Zero values mean "no constraint".
type ClaimFilter struct {
	AgentType   string `json:"agent_type,omitempty"`
	MinPriority int    `json:"min_priority,omitempty"`
	MaxPriority int    `json:"max_priority,omitempty"`
}

// Filter controls which tasks List returns.
type Filter struct {
	Status    *Status `json:"status,omitempty"`
	AgentType string  `json:"agent_type,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}

// StatusFilter scopes Status aggregation.
type StatusFilter struct {
	AgentType string `json:"agent_type,omitempty"`
}

// RunningTask is the per-task view of currently executing work.
type RunningTask struct {
	ID             string    `json:"id"`
	AgentType      string    `json:"agent_type"`
	Priority       int       `json:"priority"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
}

// NextTask previews the task a claim would return, without claiming it.
type NextTask struct {
	ID        string `json:"id"`
	AgentType string `json:"agent_type"`
	Priority  int    `json:"priority"`
}

// SystemStatus aggregates queue state for poll/backoff decisions.
type SystemStatus struct {
	Total       int            `json:"total"`
	ByStatus    map[Status]int `json:"by_status"`
	ByAgentType map[string]int `json:"by_agent_type"`
	Running     []RunningTask  `json:"running"`
	NextReady   *NextTask      `json:"next_ready,omitempty"`
}

// Store persists tasks and owns every state transition.
//
// Implementations must keep the claim path (NextReady + MarkRunning, or
// Claim) atomic so that concurrent callers never both win the same task.
type Store interface {
	// Enqueue validates and persists a new task, computing its initial
	// status from its dependencies. The task's Status, WorkspacePath,
	// and CreatedAt are set on return. A duplicate id fails with
	// ErrTaskExists and leaves the existing row untouched.
	Enqueue(t *Task) error

	// Get retrieves a task by id, or ErrTaskNotFound.
	Get(id string) (*Task, error)

	// List returns tasks matching the filter, highest priority first,
	// oldest first within equal priority.
	List(f Filter) ([]*Task, error)

	// NextReady returns the task a claim would win, without claiming,
	// or nil when nothing matches.
	NextReady(f ClaimFilter) (*Task, error)

	// MarkRunning attempts the ready -> running transition. The boolean
	// reports whether this caller won; losing a race is (false, nil).
	MarkRunning(id string) (bool, error)

	// Claim atomically selects and transitions the best ready task.
	// The boolean reports contention: a candidate existed but another
	// caller claimed it first.
	Claim(f ClaimFilter) (*Task, bool, error)

	// Complete finalizes a running (or otherwise non-terminal) task and
	// promotes any dependents whose dependencies are now all completed.
	// Unknown ids and repeated completions succeed without effect.
	Complete(id string, success bool, result, errMsg string) (*Completion, error)

	// Cancel marks a non-terminal task cancelled. Dependents of a
	// cancelled task stay blocked; nothing cascades.
	Cancel(id string) error

	// ReleaseStale returns tasks running longer than olderThan to the
	// ready state and reports their ids.
	ReleaseStale(olderThan time.Duration) ([]string, error)

	// Status aggregates counts, running tasks, and the next-ready
	// preview.
	Status(f StatusFilter) (*SystemStatus, error)

	// Close releases the underlying storage.
	Close() error
}
