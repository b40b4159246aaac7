// Command capstan is the Capstan task queue CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/capstanhq/capstan/coordinator"
	"github.com/capstanhq/capstan/internal/version"
	"github.com/capstanhq/capstan/protocol"
	"github.com/capstanhq/capstan/task"
	"github.com/capstanhq/capstan/update"
	"github.com/capstanhq/capstan/worker"
)

const defaultDB = "data/capstan.db"

func main() {
	var (
		dbPath    = flag.String("db", defaultDB, "queue database for embedded mode")
		serverCmd = flag.String("server-cmd", "", "spawn this queue daemon and talk to it over stdio")
		verbose   = flag.Bool("verbose", false, "debug logging to stderr")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	a := &app{
		dbPath:    *dbPath,
		serverCmd: *serverCmd,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "enqueue":
		err = a.cmdEnqueue(rest)
	case "next":
		err = a.cmdNext(rest)
	case "complete":
		err = a.cmdComplete(rest)
	case "status":
		err = a.cmdStatus(rest)
	case "list":
		err = a.cmdList(rest)
	case "cancel":
		err = a.cmdCancel(rest)
	case "work":
		err = a.cmdWork(rest)
	case "passwd":
		err = cmdPasswd(rest)
	case "upgrade":
		err = cmdUpgrade(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `capstan is the Capstan task queue CLI

Usage:
  capstan [flags] <command> [args]

Flags:
  --db <path>          queue database for embedded mode (default: data/capstan.db)
  --server-cmd <cmd>   spawn this queue daemon and talk to it over stdio
  --verbose            debug logging to stderr

Commands:
  enqueue --id <id> --type <agent-type> --desc <text> [options]
                       add a task to the queue
  next [--type <t>] [--min-priority <n>] [--max-priority <n>]
                       claim the next ready task
  complete [--fail] [--result <text>] [--error <text>] <task-id>
                       report a task outcome
  status [--task <id>] [--type <t>] [--status <s>] [--include-tasks]
                       show queue status
  list [--status <s>] [--type <t>] [--limit <n>] [--offset <n>]
                       list tasks
  cancel <task-id>     cancel a task that has not finished
  work --type <agent-type> [--id <w>] [--poll <ms>] <command> [args...]
                       run a worker executing claimed tasks via <command>
  passwd <password>    print a bcrypt hash for the admin password
  upgrade              self-update from the latest release
  version              print version
`)
}

// app carries the global flags into the subcommands.
type app struct {
	dbPath    string
	serverCmd string
	logger    *slog.Logger
}

// session opens a queue session: a spawned daemon when --server-cmd is
// set, otherwise the queue embedded in-process over the local database.
func (a *app) session(ctx context.Context) (*coordinator.Coordinator, func(), error) {
	if a.serverCmd != "" {
		fields := strings.Fields(a.serverCmd)
		coord := coordinator.New(coordinator.Options{
			Command: fields[0],
			Args:    fields[1:],
			Logger:  a.logger,
		})
		if err := coord.Start(ctx); err != nil {
			return nil, nil, err
		}
		return coord, func() { _ = coord.Stop() }, nil
	}

	store, err := task.NewSQLiteStore(a.dbPath, "")
	if err != nil {
		return nil, nil, err
	}
	srv := protocol.NewServer(store, a.logger)
	coord := coordinator.NewEmbedded(srv, coordinator.Options{Logger: a.logger})
	if err := coord.Start(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, nil, err
	}
	cleanup := func() {
		_ = coord.Stop()
		_ = store.Close()
	}
	return coord, cleanup, nil
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("capstan %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// --- enqueue ---

func (a *app) cmdEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	var (
		id        = fs.String("id", "", "unique task id (required)")
		agentType = fs.String("type", "", "agent type (required)")
		desc      = fs.String("desc", "", "task description (required)")
		priority  = fs.Int("priority", 0, "priority 1-10 (default 5)")
		deps      = fs.String("deps", "", "comma-separated dependency ids")
		workspace = fs.String("workspace", "", "workspace path override")
		timeout   = fs.Int("timeout", 0, "execution budget in seconds, enforced by the worker")
		retries   = fs.Int("max-retries", 0, "retry budget recorded on the task")
		tools     = fs.String("tools", "", "comma-separated tool names")
		env       = fs.String("env", "", "comma-separated KEY=VALUE pairs")
		tags      = fs.String("tags", "", "comma-separated tags")
		meta      = fs.String("meta", "", "metadata as a JSON object")
	)
	fs.Parse(args) //nolint:errcheck

	in := protocol.EnqueueTaskArgs{
		TaskID:         *id,
		AgentType:      *agentType,
		Description:    *desc,
		Dependencies:   splitList(*deps),
		WorkspacePath:  *workspace,
		TimeoutSeconds: *timeout,
		MaxRetries:     *retries,
		Tools:          splitList(*tools),
		Environment:    parseEnv(*env),
		Tags:           splitList(*tags),
	}
	if *priority != 0 {
		in.Priority = priority
	}
	if *meta != "" {
		if err := json.Unmarshal([]byte(*meta), &in.Metadata); err != nil {
			return fmt.Errorf("parse --meta: %w", err)
		}
	}

	ctx := context.Background()
	coord, cleanup, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := coord.EnqueueTask(ctx, in)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Message, res.Error)
	}
	fmt.Println(res.Message)
	if res.WorkspacePath != "" {
		fmt.Printf("workspace: %s\n", res.WorkspacePath)
	}
	printQueueSummary(res.QueueStatus)
	return nil
}

// --- next ---

func (a *app) cmdNext(args []string) error {
	fs := flag.NewFlagSet("next", flag.ExitOnError)
	var (
		agentType = fs.String("type", "", "only claim tasks for this agent type")
		minPri    = fs.Int("min-priority", 0, "only claim tasks at or above this priority")
		maxPri    = fs.Int("max-priority", 0, "only claim tasks at or below this priority")
	)
	fs.Parse(args) //nolint:errcheck

	ctx := context.Background()
	coord, cleanup, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := coord.GetNextTask(ctx, protocol.GetNextTaskArgs{
		AgentType:   *agentType,
		MinPriority: *minPri,
		MaxPriority: *maxPri,
	})
	if err != nil {
		return err
	}
	if res.Task == nil {
		fmt.Println(res.Message)
		return nil
	}

	t := res.Task
	fmt.Printf("claimed %s\n", t.ID)
	fmt.Printf("  type:        %s\n", t.AgentType)
	fmt.Printf("  priority:    %d\n", t.Priority)
	fmt.Printf("  description: %s\n", t.Description)
	if t.WorkspacePath != "" {
		fmt.Printf("  workspace:   %s\n", t.WorkspacePath)
	}
	if len(t.Tools) > 0 {
		fmt.Printf("  tools:       %s\n", strings.Join(t.Tools, ", "))
	}
	printQueueSummary(res.QueueStatus)
	return nil
}

// --- complete ---

func (a *app) cmdComplete(args []string) error {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	var (
		fail   = fs.Bool("fail", false, "report the task as failed")
		result = fs.String("result", "", "result recorded on success")
		errMsg = fs.String("error", "", "error detail recorded on failure")
	)
	fs.Parse(args) //nolint:errcheck

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: capstan complete [--fail] [--result text] [--error text] <task-id>")
	}

	ok := !*fail
	in := protocol.CompleteTaskArgs{TaskID: id, Success: &ok}
	if *fail {
		in.ErrorMessage = *errMsg
	} else if *result != "" {
		in.Result = *result
	}

	ctx := context.Background()
	coord, cleanup, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := coord.CompleteTask(ctx, in)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Message, res.Error)
	}
	fmt.Println(res.Message)
	if len(res.TriggeredTasks) > 0 {
		fmt.Printf("now ready: %s\n", strings.Join(res.TriggeredTasks, ", "))
	}
	printQueueSummary(res.QueueStatus)
	return nil
}

// --- status ---

func (a *app) cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var (
		taskID       = fs.String("task", "", "show one task instead of the overview")
		agentType    = fs.String("type", "", "scope to one agent type")
		status       = fs.String("status", "", "task list status filter")
		includeTasks = fs.Bool("include-tasks", false, "include the matching task list")
	)
	fs.Parse(args) //nolint:errcheck

	ctx := context.Background()
	coord, cleanup, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := coord.GetTaskStatus(ctx, protocol.GetTaskStatusArgs{
		TaskID:       *taskID,
		AgentType:    *agentType,
		Status:       *status,
		IncludeTasks: *includeTasks,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Message, res.Error)
	}

	if *taskID != "" {
		if len(res.Tasks) == 0 {
			fmt.Println(res.Message)
			return nil
		}
		printTask(res.Tasks[0])
		return nil
	}

	caser := cases.Title(language.English)

	if q := res.QueueSummary; q != nil {
		fmt.Printf("Queue: %d task(s)\n", q.Total)
		rows := []struct {
			label string
			n     int
		}{
			{"blocked", q.Blocked},
			{"ready", q.Ready},
			{"running", q.Running},
			{"completed", q.Completed},
			{"failed", q.Failed},
			{"cancelled", q.Cancelled},
		}
		for _, r := range rows {
			fmt.Printf("  %-11s %d\n", caser.String(r.label)+":", r.n)
		}
	}

	if sys := res.SystemStatus; sys != nil && len(sys.ByAgentType) > 0 {
		fmt.Println("\nBy agent type:")
		types := make([]string, 0, len(sys.ByAgentType))
		for at := range sys.ByAgentType {
			types = append(types, at)
		}
		sort.Strings(types)
		for _, at := range types {
			fmt.Printf("  %-14s %d\n", caser.String(at)+":", sys.ByAgentType[at])
		}
	}

	if len(res.RunningTasks) > 0 {
		fmt.Println("\nRunning:")
		fmt.Printf("  %-24s %-14s %-4s %s\n", "ID", "TYPE", "PRI", "ELAPSED")
		for _, rt := range res.RunningTasks {
			fmt.Printf("  %-24s %-14s %-4d %ds\n",
				truncate(rt.ID, 23), truncate(rt.AgentType, 13), rt.Priority, rt.ElapsedSeconds)
		}
	}

	if sys := res.SystemStatus; sys != nil && sys.NextReady != nil {
		nr := sys.NextReady
		fmt.Printf("\nNext ready: %s (%s, priority %d)\n", nr.ID, nr.AgentType, nr.Priority)
	}

	if *includeTasks && len(res.Tasks) > 0 {
		fmt.Println("\nTasks:")
		printTaskTable(res.Tasks)
	}
	return nil
}

// --- list ---

func (a *app) cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var (
		status    = fs.String("status", "", "filter by status")
		agentType = fs.String("type", "", "filter by agent type")
		limit     = fs.Int("limit", 0, "maximum rows")
		offset    = fs.Int("offset", 0, "rows to skip")
	)
	fs.Parse(args) //nolint:errcheck

	filter := task.Filter{AgentType: *agentType, Limit: *limit, Offset: *offset}
	if *status != "" {
		st := task.Status(*status)
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", *status)
		}
		filter.Status = &st
	}

	store, err := task.NewSQLiteStore(a.dbPath, "")
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	tasks, err := store.List(filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	printTaskTable(tasks)
	return nil
}

// --- cancel ---

func (a *app) cmdCancel(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: capstan cancel <task-id>")
	}
	id := args[0]

	store, err := task.NewSQLiteStore(a.dbPath, "")
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := store.Cancel(id); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", id)
	return nil
}

// --- work ---

func (a *app) cmdWork(args []string) error {
	fs := flag.NewFlagSet("work", flag.ExitOnError)
	var (
		agentType = fs.String("type", "", "agent type to claim tasks for (required)")
		workerID  = fs.String("id", "cli-worker", "worker id")
		pollMS    = fs.Int("poll", 500, "poll interval in milliseconds")
	)
	fs.Parse(args) //nolint:errcheck

	cmdArgs := fs.Args()
	if *agentType == "" || len(cmdArgs) == 0 {
		return fmt.Errorf("usage: capstan work --type <agent-type> [--id w] [--poll ms] <command> [args...]")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, cleanup, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	w := worker.New(worker.Config{
		ID:           *workerID,
		AgentType:    *agentType,
		Client:       coord,
		Executor:     &worker.CommandExecutor{Command: cmdArgs[0], Args: cmdArgs[1:]},
		PollInterval: time.Duration(*pollMS) * time.Millisecond,
		Logger:       a.logger,
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("worker %s polling for %s tasks (ctrl-c to stop)\n", *workerID, *agentType)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("stopping...")
	return w.Stop(context.Background())
}

// --- passwd ---

func cmdPasswd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: capstan passwd <password>")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

// --- upgrade ---

func cmdUpgrade(_ []string) error {
	u := update.New(version.Version)
	rel, err := u.CheckForUpdate()
	if err != nil {
		return err
	}
	if rel == nil {
		fmt.Println("already up to date")
		return nil
	}
	fmt.Printf("updating to %s...\n", rel.Version)
	if err := u.ApplyUpdate(rel); err != nil {
		return err
	}
	fmt.Println("update complete, restart to use the new version")
	return nil
}

// --- helpers ---

func printQueueSummary(qs *protocol.QueueStatus) {
	if qs == nil {
		return
	}
	fmt.Printf("queue: %d total, %d ready, %d running, %d blocked, %d completed, %d failed, %d cancelled\n",
		qs.Total, qs.Ready, qs.Running, qs.Blocked, qs.Completed, qs.Failed, qs.Cancelled)
}

func printTask(t *task.Task) {
	fmt.Println(t.ID)
	fmt.Printf("  status:      %s\n", t.Status)
	fmt.Printf("  type:        %s\n", t.AgentType)
	fmt.Printf("  priority:    %d\n", t.Priority)
	fmt.Printf("  description: %s\n", t.Description)
	if len(t.Dependencies) > 0 {
		fmt.Printf("  depends on:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.WorkspacePath != "" {
		fmt.Printf("  workspace:   %s\n", t.WorkspacePath)
	}
	fmt.Printf("  created:     %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.StartedAt != nil {
		fmt.Printf("  started:     %s\n", t.StartedAt.Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Printf("  completed:   %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if t.Result != "" {
		fmt.Printf("  result:      %s\n", truncate(t.Result, 120))
	}
	if t.Error != "" {
		fmt.Printf("  error:       %s\n", t.Error)
	}
}

func printTaskTable(tasks []*task.Task) {
	fmt.Printf("%-24s %-14s %-10s %-4s %s\n", "ID", "TYPE", "STATUS", "PRI", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 96))
	for _, t := range tasks {
		fmt.Printf("%-24s %-14s %-10s %-4d %s\n",
			truncate(t.ID, 23),
			truncate(t.AgentType, 13),
			t.Status,
			t.Priority,
			truncate(t.Description, 40),
		)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseEnv(s string) map[string]string {
	pairs := splitList(s)
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, _ := strings.Cut(p, "=")
		env[k] = v
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
