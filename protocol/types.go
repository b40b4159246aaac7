// Package protocol exposes the task queue as a set of MCP tools.
//
// Four tools cover the whole coordination surface: enqueue_task,
// get_next_task, complete_task, and get_task_status. Every tool returns
// a structured result with a success flag; domain outcomes, including
// invalid input, duplicate ids, and claim races, are reported inside
// that envelope and never as protocol errors.
package protocol

import "github.com/capstanhq/capstan/task"

// Messages returned verbatim so callers can branch on them.
const (
	msgValidationFailed = "Input validation failed"
	msgNoTasks          = "no tasks available"
	msgNoTasksContended = "no tasks available (concurrent access)"
)

// QueueStatus is the per-status count summary attached to every
// response that reports task state.
type QueueStatus struct {
	Total     int `json:"total"`
	Blocked   int `json:"blocked"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// EnqueueTaskArgs adds a task to the queue.
type EnqueueTaskArgs struct {
	TaskID         string            `json:"task_id,omitempty" jsonschema:"Unique identifier for the task. Required. Re-using an existing id fails without modifying the stored task."`
	AgentType      string            `json:"agent_type,omitempty" jsonschema:"Worker category that may claim this task, e.g. builder or reviewer. Required."`
	Description    string            `json:"description,omitempty" jsonschema:"Human-readable summary of the work. Required."`
	Dependencies   []string          `json:"dependencies,omitempty" jsonschema:"Task ids that must complete before this task becomes claimable. May reference tasks not enqueued yet."`
	Priority       *int              `json:"priority,omitempty" jsonschema:"Urgency from 1 to 10, 10 highest. Defaults to 5 when omitted."`
	WorkspacePath  string            `json:"workspace_path,omitempty" jsonschema:"Working directory for the task. Allocated automatically when empty."`
	Tools          []string          `json:"tools,omitempty" jsonschema:"Tool allowlist handed to the executing worker. Opaque to the queue."`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" jsonschema:"Execution time budget enforced by the executing worker, not by the queue."`
	MaxRetries     int               `json:"max_retries,omitempty" jsonschema:"Retry budget tracked for the executing worker. Opaque to the queue."`
	Environment    map[string]string `json:"environment,omitempty" jsonschema:"Environment variables for the worker process. Opaque to the queue."`
	Metadata       map[string]any    `json:"metadata,omitempty" jsonschema:"Opaque caller data stored with the task."`
	Tags           []string          `json:"tags,omitempty" jsonschema:"Free-form labels for filtering and reporting."`
}

// EnqueueTaskResult reports whether the task was accepted.
type EnqueueTaskResult struct {
	Success       bool         `json:"success"`
	TaskID        string       `json:"task_id,omitempty"`
	Status        string       `json:"status,omitempty"`
	WorkspacePath string       `json:"workspace_path,omitempty"`
	Message       string       `json:"message"`
	Error         string       `json:"error,omitempty"`
	QueueStatus   *QueueStatus `json:"queue_status,omitempty"`
}

// GetNextTaskArgs claims the highest-priority ready task. Zero values
// leave the corresponding constraint off.
type GetNextTaskArgs struct {
	AgentType   string `json:"agent_type,omitempty" jsonschema:"Only claim tasks for this worker category."`
	MinPriority int    `json:"min_priority,omitempty" jsonschema:"Only claim tasks with priority at or above this value."`
	MaxPriority int    `json:"max_priority,omitempty" jsonschema:"Only claim tasks with priority at or below this value."`
}

// GetNextTaskResult carries the claimed task, or no task with an
// explanation. An empty queue and a claim lost to a concurrent caller
// are both successful responses.
type GetNextTaskResult struct {
	Success     bool         `json:"success"`
	Task        *task.Task   `json:"task,omitempty"`
	Message     string       `json:"message"`
	QueueStatus *QueueStatus `json:"queue_status,omitempty"`
}

// CompleteTaskArgs finalizes a claimed task.
type CompleteTaskArgs struct {
	TaskID       string `json:"task_id,omitempty" jsonschema:"Id of the task being finalized. Required."`
	Success      *bool  `json:"success,omitempty" jsonschema:"Whether the work succeeded. Required. Success promotes dependents whose dependencies are all complete; failure leaves them blocked."`
	Result       any    `json:"result,omitempty" jsonschema:"Output of the work. Strings are stored as-is, other values as JSON."`
	ErrorMessage string `json:"error_message,omitempty" jsonschema:"Failure detail recorded on the task."`
}

// CompleteTaskResult reports the terminal transition and any dependents
// it made claimable. Completing an unknown or already-terminal task is
// a successful no-op with Found or the message explaining it.
type CompleteTaskResult struct {
	Success        bool         `json:"success"`
	TaskID         string       `json:"task_id,omitempty"`
	Found          bool         `json:"found"`
	FinalStatus    string       `json:"final_status,omitempty"`
	TriggeredTasks []string     `json:"triggered_tasks,omitempty"`
	Message        string       `json:"message"`
	Error          string       `json:"error,omitempty"`
	QueueStatus    *QueueStatus `json:"queue_status,omitempty"`
}

// GetTaskStatusArgs inspects the queue without changing it.
type GetTaskStatusArgs struct {
	TaskID       string `json:"task_id,omitempty" jsonschema:"Return details for this task only."`
	IncludeTasks bool   `json:"include_tasks,omitempty" jsonschema:"Include the matching tasks, not just the summary."`
	AgentType    string `json:"agent_type,omitempty" jsonschema:"Scope the summary and task list to one worker category."`
	Status       string `json:"status,omitempty" jsonschema:"Filter the task list to one lifecycle status: blocked, ready, running, completed, failed, or cancelled."`
}

// SystemView is the aggregate half of a status response.
type SystemView struct {
	Total       int            `json:"total"`
	ByAgentType map[string]int `json:"by_agent_type,omitempty"`
	NextReady   *task.NextTask `json:"next_ready,omitempty"`
}

// GetTaskStatusResult is the queue snapshot. Looking up an unknown
// task id succeeds with an empty task list and an explanatory message.
type GetTaskStatusResult struct {
	Success      bool               `json:"success"`
	SystemStatus *SystemView        `json:"system_status,omitempty"`
	RunningTasks []task.RunningTask `json:"running_tasks"`
	QueueSummary *QueueStatus       `json:"queue_summary,omitempty"`
	Tasks        []*task.Task       `json:"tasks,omitempty"`
	Message      string             `json:"message,omitempty"`
	Error        string             `json:"error,omitempty"`
}
