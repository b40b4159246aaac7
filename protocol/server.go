package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/capstanhq/capstan/internal/version"
	"github.com/capstanhq/capstan/task"
)

// Server registers the four queue tools on an MCP server. The store is
// injected so tests can run against a throwaway database and the daemon
// against the durable one.
type Server struct {
	store  task.Store
	logger *slog.Logger
	mcp    *mcp.Server
}

// NewServer builds the tool server around store.
func NewServer(store task.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, logger: logger}

	srv := mcp.NewServer(&mcp.Implementation{Name: "capstan", Version: version.Version}, nil)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "enqueue_task",
		Description: "Add a task to the queue. Tasks with unmet dependencies wait as blocked until every dependency completes.",
	}, s.handleEnqueueTask)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_next_task",
		Description: "Claim the highest-priority ready task. At most one caller wins a given task; an empty answer is normal when nothing is claimable.",
	}, s.handleGetNextTask)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "complete_task",
		Description: "Finalize a claimed task as completed or failed. Completion promotes dependents whose dependencies are now all complete.",
	}, s.handleCompleteTask)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_task_status",
		Description: "Inspect queue counts, running tasks, and individual task details without changing anything.",
	}, s.handleGetTaskStatus)
	s.mcp = srv
	return s
}

// Run serves the tools over transport until ctx is cancelled or the
// peer disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// Connect attaches the server to transport and returns the live
// session. Used for in-process embedding.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

func (s *Server) handleEnqueueTask(ctx context.Context, req *mcp.CallToolRequest, args EnqueueTaskArgs) (*mcp.CallToolResult, EnqueueTaskResult, error) {
	priority := task.DefaultPriority
	if args.Priority != nil {
		priority = *args.Priority
	}
	t := &task.Task{
		ID:             args.TaskID,
		AgentType:      args.AgentType,
		Description:    args.Description,
		Priority:       priority,
		Dependencies:   args.Dependencies,
		WorkspacePath:  args.WorkspacePath,
		Tools:          args.Tools,
		TimeoutSeconds: args.TimeoutSeconds,
		MaxRetries:     args.MaxRetries,
		Environment:    args.Environment,
		Metadata:       args.Metadata,
		Tags:           args.Tags,
	}
	if err := t.Validate(); err != nil {
		return nil, EnqueueTaskResult{
			Success: false,
			TaskID:  args.TaskID,
			Message: msgValidationFailed,
			Error:   err.Error(),
		}, nil
	}

	err := s.store.Enqueue(t)
	switch {
	case errors.Is(err, task.ErrTaskExists):
		return nil, EnqueueTaskResult{
			Success:     false,
			TaskID:      t.ID,
			Message:     fmt.Sprintf("task %s already exists", t.ID),
			Error:       "duplicate_task_id",
			QueueStatus: s.queueStatus(),
		}, nil
	case errors.Is(err, task.ErrInvalidTask):
		return nil, EnqueueTaskResult{
			Success: false,
			TaskID:  t.ID,
			Message: msgValidationFailed,
			Error:   err.Error(),
		}, nil
	case err != nil:
		s.logger.Error("enqueue failed", "task", t.ID, "error", err)
		return nil, EnqueueTaskResult{
			Success: false,
			TaskID:  t.ID,
			Message: "internal error",
			Error:   err.Error(),
		}, nil
	}

	s.logger.Info("task enqueued",
		"task", t.ID, "agent_type", t.AgentType, "priority", t.Priority, "status", t.Status)
	return nil, EnqueueTaskResult{
		Success:       true,
		TaskID:        t.ID,
		Status:        string(t.Status),
		WorkspacePath: t.WorkspacePath,
		Message:       fmt.Sprintf("task %s enqueued with status %s", t.ID, t.Status),
		QueueStatus:   s.queueStatus(),
	}, nil
}

func (s *Server) handleGetNextTask(ctx context.Context, req *mcp.CallToolRequest, args GetNextTaskArgs) (*mcp.CallToolResult, GetNextTaskResult, error) {
	claimed, contended, err := s.store.Claim(task.ClaimFilter{
		AgentType:   args.AgentType,
		MinPriority: args.MinPriority,
		MaxPriority: args.MaxPriority,
	})
	if err != nil {
		s.logger.Error("claim failed", "error", err)
		return nil, GetNextTaskResult{Success: false, Message: "internal error", QueueStatus: s.queueStatus()}, nil
	}
	if claimed == nil {
		msg := msgNoTasks
		if contended {
			msg = msgNoTasksContended
		}
		return nil, GetNextTaskResult{Success: true, Message: msg, QueueStatus: s.queueStatus()}, nil
	}

	s.logger.Info("task claimed", "task", claimed.ID, "agent_type", claimed.AgentType, "priority", claimed.Priority)
	return nil, GetNextTaskResult{
		Success:     true,
		Task:        claimed,
		Message:     fmt.Sprintf("claimed task %s", claimed.ID),
		QueueStatus: s.queueStatus(),
	}, nil
}

func (s *Server) handleCompleteTask(ctx context.Context, req *mcp.CallToolRequest, args CompleteTaskArgs) (*mcp.CallToolResult, CompleteTaskResult, error) {
	if args.TaskID == "" {
		return nil, CompleteTaskResult{
			Success: false,
			Message: msgValidationFailed,
			Error:   "task_id is required",
		}, nil
	}
	if args.Success == nil {
		return nil, CompleteTaskResult{
			Success: false,
			TaskID:  args.TaskID,
			Message: msgValidationFailed,
			Error:   "success is required",
		}, nil
	}

	out, err := s.store.Complete(args.TaskID, *args.Success, resultToString(args.Result), args.ErrorMessage)
	if err != nil {
		s.logger.Error("complete failed", "task", args.TaskID, "error", err)
		return nil, CompleteTaskResult{
			Success: false,
			TaskID:  args.TaskID,
			Message: "internal error",
			Error:   err.Error(),
		}, nil
	}

	res := CompleteTaskResult{
		Success:        true,
		TaskID:         args.TaskID,
		Found:          out.Found,
		FinalStatus:    string(out.FinalStatus),
		TriggeredTasks: out.Triggered,
		QueueStatus:    s.queueStatus(),
	}
	switch {
	case !out.Found:
		res.Message = fmt.Sprintf("task %s not found, nothing to do", args.TaskID)
	case !out.Applied:
		res.Message = fmt.Sprintf("task %s already %s", args.TaskID, out.FinalStatus)
	case out.FinalStatus == task.StatusCompleted:
		if n := len(out.Triggered); n > 0 {
			res.Message = fmt.Sprintf("task %s completed, %d dependent task(s) now ready", args.TaskID, n)
		} else {
			res.Message = fmt.Sprintf("task %s completed", args.TaskID)
		}
	default:
		res.Message = fmt.Sprintf("task %s marked failed", args.TaskID)
	}

	if out.Applied {
		s.logger.Info("task completed",
			"task", args.TaskID, "final_status", out.FinalStatus, "triggered", len(out.Triggered))
	}
	return nil, res, nil
}

func (s *Server) handleGetTaskStatus(ctx context.Context, req *mcp.CallToolRequest, args GetTaskStatusArgs) (*mcp.CallToolResult, GetTaskStatusResult, error) {
	if args.Status != "" && !task.Status(args.Status).Valid() {
		return nil, GetTaskStatusResult{
			Success:      false,
			RunningTasks: []task.RunningTask{},
			Message:      msgValidationFailed,
			Error:        fmt.Sprintf("unknown status %q", args.Status),
		}, nil
	}

	st, err := s.store.Status(task.StatusFilter{AgentType: args.AgentType})
	if err != nil {
		s.logger.Error("status failed", "error", err)
		return nil, GetTaskStatusResult{Success: false, RunningTasks: []task.RunningTask{}, Message: "internal error", Error: err.Error()}, nil
	}

	res := GetTaskStatusResult{
		Success: true,
		SystemStatus: &SystemView{
			Total:       st.Total,
			ByAgentType: st.ByAgentType,
			NextReady:   st.NextReady,
		},
		RunningTasks: st.Running,
		QueueSummary: summarize(st),
	}
	if res.RunningTasks == nil {
		res.RunningTasks = []task.RunningTask{}
	}

	if args.TaskID != "" {
		t, err := s.store.Get(args.TaskID)
		if errors.Is(err, task.ErrTaskNotFound) {
			res.Message = fmt.Sprintf("task %s not found", args.TaskID)
			return nil, res, nil
		}
		if err != nil {
			s.logger.Error("status lookup failed", "task", args.TaskID, "error", err)
			return nil, GetTaskStatusResult{Success: false, RunningTasks: []task.RunningTask{}, Message: "internal error", Error: err.Error()}, nil
		}
		res.Tasks = []*task.Task{t}
		return nil, res, nil
	}

	if args.IncludeTasks {
		f := task.Filter{AgentType: args.AgentType}
		if args.Status != "" {
			wanted := task.Status(args.Status)
			f.Status = &wanted
		}
		tasks, err := s.store.List(f)
		if err != nil {
			s.logger.Error("status list failed", "error", err)
			return nil, GetTaskStatusResult{Success: false, RunningTasks: []task.RunningTask{}, Message: "internal error", Error: err.Error()}, nil
		}
		res.Tasks = tasks
	}
	return nil, res, nil
}

// queueStatus snapshots the per-status counts. A snapshot failure is
// logged and reported as a missing summary rather than failing the
// operation that asked for it.
func (s *Server) queueStatus() *QueueStatus {
	st, err := s.store.Status(task.StatusFilter{})
	if err != nil {
		s.logger.Warn("queue status unavailable", "error", err)
		return nil
	}
	return summarize(st)
}

func summarize(st *task.SystemStatus) *QueueStatus {
	return &QueueStatus{
		Total:     st.Total,
		Blocked:   st.ByStatus[task.StatusBlocked],
		Ready:     st.ByStatus[task.StatusReady],
		Running:   st.ByStatus[task.StatusRunning],
		Completed: st.ByStatus[task.StatusCompleted],
		Failed:    st.ByStatus[task.StatusFailed],
		Cancelled: st.ByStatus[task.StatusCancelled],
	}
}

// resultToString normalizes the completion result for storage: strings
// pass through, anything else is stored as its JSON encoding.
func resultToString(v any) string {
	switch rv := v.(type) {
	case nil:
		return ""
	case string:
		return rv
	default:
		b, err := json.Marshal(rv)
		if err != nil {
			return fmt.Sprintf("%v", rv)
		}
		return string(b)
	}
}
