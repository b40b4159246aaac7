package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	agent_type      TEXT NOT NULL,
	description     TEXT NOT NULL,
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 5,
	dependencies    TEXT NOT NULL DEFAULT '[]',
	workspace_path  TEXT NOT NULL DEFAULT '',
	tools           TEXT NOT NULL DEFAULT '[]',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	environment     TEXT NOT NULL DEFAULT '{}',
	metadata        TEXT NOT NULL DEFAULT '{}',
	tags            TEXT NOT NULL DEFAULT '[]',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	started_at      DATETIME,
	completed_at    DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_type, status);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id    TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);

CREATE INDEX IF NOT EXISTS idx_task_deps_reverse ON task_deps(depends_on);
`

// claimAttempts bounds how often Claim retries after losing the
// ready -> running race to another caller.
const claimAttempts = 3

// SQLiteStore persists tasks in a SQLite database. All state transitions
// run as guarded updates so concurrent claimers cannot both win a task.
type SQLiteStore struct {
	db            *sql.DB
	workspaceRoot string
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the schema exists. Tasks enqueued without a workspace path get
// one allocated under workspaceRoot. The caller is responsible for
// calling Close.
func NewSQLiteStore(dbPath, workspaceRoot string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if workspaceRoot == "" {
		workspaceRoot = "workspaces"
	}
	return &SQLiteStore{db: db, workspaceRoot: workspaceRoot}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Enqueue persists a new task. The initial status is computed inside the
// insert transaction: ready when every dependency is already completed,
// blocked otherwise. Unknown dependency ids are allowed and simply block
// the task until they exist and complete.
func (s *SQLiteStore) Enqueue(t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Dependencies = DedupeDeps(t.Dependencies)
	t.CreatedAt = time.Now().UTC()
	t.RetryCount = 0
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Result = ""
	t.Error = ""
	if t.WorkspacePath == "" {
		t.WorkspacePath = filepath.Join(s.workspaceRoot, t.ID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	t.Status = InitialStatus(t.Dependencies, txStatusLookup(tx))

	deps, _ := json.Marshal(t.Dependencies)
	tools, _ := json.Marshal(t.Tools)
	env, _ := json.Marshal(t.Environment)
	metadata, _ := json.Marshal(t.Metadata)
	tags, _ := json.Marshal(t.Tags)

	_, err = tx.Exec(`
		INSERT INTO tasks
			(id, agent_type, description, status, priority, dependencies, workspace_path,
			 tools, timeout_seconds, max_retries, environment, metadata, tags,
			 retry_count, result, error, created_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentType, t.Description, string(t.Status), t.Priority,
		string(deps), t.WorkspacePath,
		string(tools), t.TimeoutSeconds, t.MaxRetries,
		string(env), string(metadata), string(tags),
		t.RetryCount, t.Result, t.Error,
		t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	for _, dep := range t.Dependencies {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_deps (task_id, depends_on) VALUES (?,?)`, t.ID, dep); err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", t.ID, dep, err)
		}
	}
	return tx.Commit()
}

// Get retrieves a task by id.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// List returns tasks matching the filter, highest priority first.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.AgentType != "" {
		q.WriteString(" AND agent_type=?")
		args = append(args, filter.AgentType)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, rowid ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextReady returns the task a claim would select, without transitioning
// it. Returns nil when no ready task matches the filter.
func (s *SQLiteStore) NextReady(f ClaimFilter) (*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE status=?")
	args := []any{string(StatusReady)}

	if f.AgentType != "" {
		q.WriteString(" AND agent_type=?")
		args = append(args, f.AgentType)
	}
	if f.MinPriority > 0 {
		q.WriteString(" AND priority>=?")
		args = append(args, f.MinPriority)
	}
	if f.MaxPriority > 0 {
		q.WriteString(" AND priority<=?")
		args = append(args, f.MaxPriority)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1")

	row := s.db.QueryRow(q.String(), args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// MarkRunning attempts the ready -> running transition for id. The
// guarded update makes the claim atomic: of N concurrent callers exactly
// one sees (true, nil), the rest see (false, nil).
func (s *SQLiteStore) MarkRunning(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status=?, started_at=? WHERE id=? AND status=?`,
		string(StatusRunning), time.Now().UTC(), id, string(StatusReady))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Claim selects the best ready task and transitions it to running.
// Losing the transition to a concurrent claimer retries with the next
// candidate a bounded number of times. The boolean reports whether a
// candidate was lost to contention, so callers can distinguish "queue
// empty" from "beaten to it".
func (s *SQLiteStore) Claim(f ClaimFilter) (*Task, bool, error) {
	contended := false
	for attempt := 0; attempt < claimAttempts; attempt++ {
		next, err := s.NextReady(f)
		if err != nil {
			return nil, contended, err
		}
		if next == nil {
			return nil, contended, nil
		}
		won, err := s.MarkRunning(next.ID)
		if err != nil {
			return nil, contended, err
		}
		if !won {
			contended = true
			continue
		}
		claimed, err := s.Get(next.ID)
		if err != nil {
			return nil, contended, err
		}
		return claimed, contended, nil
	}
	return nil, contended, nil
}

// Complete finalizes a task and promotes dependents whose dependencies
// are now all completed. Unknown ids return Found=false without error;
// already-terminal tasks return Applied=false and trigger nothing, so a
// repeated completion can never promote dependents twice. Only genuine
// success transitions trigger: a failure leaves dependents blocked.
func (s *SQLiteStore) Complete(id string, success bool, result, errMsg string) (*Completion, error) {
	out := &Completion{TaskID: id}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM tasks WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	out.Found = true
	if cur := Status(current); cur.Terminal() {
		out.FinalStatus = cur
		return out, nil
	}

	now := time.Now().UTC()
	if success {
		out.FinalStatus = StatusCompleted
		_, err = tx.Exec(`UPDATE tasks SET status=?, result=?, completed_at=? WHERE id=?`,
			string(StatusCompleted), result, now, id)
	} else {
		out.FinalStatus = StatusFailed
		_, err = tx.Exec(`UPDATE tasks SET status=?, error=?, completed_at=?, retry_count=retry_count+1 WHERE id=?`,
			string(StatusFailed), errMsg, now, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finalize task %s: %w", id, err)
	}
	out.Applied = true

	if success {
		triggered, err := promoteDependents(tx, id)
		if err != nil {
			return nil, err
		}
		out.Triggered = triggered
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete: %w", err)
	}
	return out, nil
}

// promoteDependents moves blocked dependents of completedID to ready
// when their full dependency set is satisfied. Runs inside the
// completion transaction so a dependent is promoted exactly once.
func promoteDependents(tx *sql.Tx, completedID string) ([]string, error) {
	rows, err := tx.Query(`
		SELECT DISTINCT d.task_id
		FROM task_deps d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.depends_on = ? AND t.status = ?
		ORDER BY t.created_at ASC`,
		completedID, string(StatusBlocked))
	if err != nil {
		return nil, fmt.Errorf("load dependents of %s: %w", completedID, err)
	}
	var candidates []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, depID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var triggered []string
	lookup := txStatusLookup(tx)
	for _, depID := range candidates {
		deps, err := depsOf(tx, depID)
		if err != nil {
			return nil, err
		}
		if !DepsSatisfied(deps, lookup) {
			continue
		}
		res, err := tx.Exec(`UPDATE tasks SET status=? WHERE id=? AND status=?`,
			string(StatusReady), depID, string(StatusBlocked))
		if err != nil {
			return nil, fmt.Errorf("promote task %s: %w", depID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			triggered = append(triggered, depID)
		}
	}
	return triggered, nil
}

// Cancel marks a non-terminal task cancelled. Dependents waiting on it
// stay blocked.
func (s *SQLiteStore) Cancel(id string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status=?, completed_at=? WHERE id=? AND status NOT IN (?,?,?)`,
		string(StatusCancelled), time.Now().UTC(), id,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is already %s", id, t.Status)
}

// ReleaseStale returns tasks running longer than olderThan to the ready
// state so another worker can claim them. The retry count is untouched;
// a stale claim is a lost worker, not a failed attempt.
func (s *SQLiteStore) ReleaseStale(olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM tasks WHERE status=? AND started_at IS NOT NULL AND started_at < ? ORDER BY started_at ASC`,
		string(StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var released []string
	for _, id := range stale {
		res, err := tx.Exec(`UPDATE tasks SET status=?, started_at=NULL WHERE id=? AND status=?`,
			string(StatusReady), id, string(StatusRunning))
		if err != nil {
			return nil, fmt.Errorf("release task %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			released = append(released, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}
	return released, nil
}

// Status aggregates queue counts, running tasks, and the next claimable
// task. Counts are zero-filled for every known status so callers can
// index without existence checks.
func (s *SQLiteStore) Status(f StatusFilter) (*SystemStatus, error) {
	st := &SystemStatus{
		ByStatus:    make(map[Status]int),
		ByAgentType: make(map[string]int),
	}
	for _, known := range []Status{StatusBlocked, StatusReady, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		st.ByStatus[known] = 0
	}

	q := strings.Builder{}
	q.WriteString("SELECT status, agent_type, COUNT(*) FROM tasks")
	args := []any{}
	if f.AgentType != "" {
		q.WriteString(" WHERE agent_type=?")
		args = append(args, f.AgentType)
	}
	q.WriteString(" GROUP BY status, agent_type")

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	for rows.Next() {
		var status, agentType string
		var n int
		if err := rows.Scan(&status, &agentType, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.ByStatus[Status(status)] += n
		st.ByAgentType[agentType] += n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	running, err := s.runningTasks(f.AgentType)
	if err != nil {
		return nil, err
	}
	st.Running = running

	next, err := s.NextReady(ClaimFilter{AgentType: f.AgentType})
	if err != nil {
		return nil, err
	}
	if next != nil {
		st.NextReady = &NextTask{ID: next.ID, AgentType: next.AgentType, Priority: next.Priority}
	}
	return st, nil
}

func (s *SQLiteStore) runningTasks(agentType string) ([]RunningTask, error) {
	q := strings.Builder{}
	q.WriteString("SELECT id, agent_type, priority, started_at FROM tasks WHERE status=?")
	args := []any{string(StatusRunning)}
	if agentType != "" {
		q.WriteString(" AND agent_type=?")
		args = append(args, agentType)
	}
	q.WriteString(" ORDER BY started_at ASC")

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()

	var running []RunningTask
	now := time.Now().UTC()
	for rows.Next() {
		var rt RunningTask
		var startedAt sql.NullTime
		if err := rows.Scan(&rt.ID, &rt.AgentType, &rt.Priority, &startedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			rt.StartedAt = startedAt.Time
			rt.ElapsedSeconds = int(now.Sub(startedAt.Time).Seconds())
		}
		running = append(running, rt)
	}
	return running, rows.Err()
}

// txStatusLookup adapts a transaction into the resolver's StatusLookup
// so readiness decisions see uncommitted writes of the same transaction.
func txStatusLookup(tx *sql.Tx) StatusLookup {
	return func(id string) (Status, bool) {
		var status string
		if err := tx.QueryRow(`SELECT status FROM tasks WHERE id=?`, id).Scan(&status); err != nil {
			return "", false
		}
		return Status(status), true
	}
}

func depsOf(tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.Query(`SELECT depends_on FROM task_deps WHERE task_id=?`, id)
	if err != nil {
		return nil, fmt.Errorf("load dependencies of %s: %w", id, err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// isUniqueViolation reports whether err is SQLite refusing a duplicate
// primary key.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, depsJSON, toolsJSON, envJSON, metadataJSON, tagsJSON string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.AgentType, &t.Description, &status, &t.Priority,
		&depsJSON, &t.WorkspacePath,
		&toolsJSON, &t.TimeoutSeconds, &t.MaxRetries,
		&envJSON, &metadataJSON, &tagsJSON,
		&t.RetryCount, &t.Result, &t.Error,
		&t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)

	_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
	_ = json.Unmarshal([]byte(toolsJSON), &t.Tools)
	_ = json.Unmarshal([]byte(envJSON), &t.Environment)
	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
