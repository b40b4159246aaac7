package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/capstanhq/capstan/task"
)

// CommandExecutor runs each task by invoking an external command. The
// task travels in the child environment: CAPSTAN_TASK_ID,
// CAPSTAN_AGENT_TYPE, CAPSTAN_TASK_DESCRIPTION, CAPSTAN_TASK_TOOLS,
// plus the task's own environment entries, which may override anything.
// The command runs inside the task's workspace directory.
type CommandExecutor struct {
	Command string
	Args    []string
}

// Name returns the command's base name.
func (e *CommandExecutor) Name() string {
	return filepath.Base(e.Command)
}

// Execute runs the command and returns its combined output as the task
// result. A non-zero exit fails the task with the output attached.
func (e *CommandExecutor) Execute(ctx context.Context, t *task.Task) (string, error) {
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	if t.WorkspacePath != "" {
		if err := os.MkdirAll(t.WorkspacePath, 0o755); err != nil {
			return "", fmt.Errorf("prepare workspace %s: %w", t.WorkspacePath, err)
		}
		cmd.Dir = t.WorkspacePath
	}

	cmd.Env = append(os.Environ(),
		"CAPSTAN_TASK_ID="+t.ID,
		"CAPSTAN_AGENT_TYPE="+t.AgentType,
		"CAPSTAN_TASK_DESCRIPTION="+t.Description,
		"CAPSTAN_TASK_TOOLS="+strings.Join(t.Tools, ","),
	)
	for k, v := range t.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			return "", fmt.Errorf("run %s: %w", e.Command, err)
		}
		return "", fmt.Errorf("run %s: %w: %s", e.Command, err, detail)
	}
	return strings.TrimSpace(string(out)), nil
}
