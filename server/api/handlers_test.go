package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/capstanhq/capstan/comms"
	"github.com/capstanhq/capstan/server/api"
	"github.com/capstanhq/capstan/task"
	"github.com/capstanhq/capstan/worker"
)

type stubWorkers []worker.Info

func (s stubWorkers) Infos() []worker.Info { return []worker.Info(s) }

func newTestHandlers(t *testing.T) (*api.Handlers, *http.ServeMux, task.Store, comms.Bus) {
	t.Helper()
	f, err := os.CreateTemp("", "capstan-api-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	dbPath := f.Name()
	t.Cleanup(func() { os.Remove(dbPath) })

	store, err := task.NewSQLiteStore(dbPath, "")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := comms.NewInMemoryBus()
	mux := http.NewServeMux()
	h := &api.Handlers{
		Store:   store,
		Bus:     bus,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version: "test",
		StartAt: time.Now().Unix(),
	}
	h.RegisterRoutes(mux)
	return h, mux, store, bus
}

func enqueue(t *testing.T, store task.Store, id, agentType string, priority int, deps ...string) {
	t.Helper()
	err := store.Enqueue(&task.Task{
		ID:           id,
		AgentType:    agentType,
		Description:  "work for " + id,
		Priority:     priority,
		Dependencies: deps,
	})
	if err != nil {
		t.Fatalf("Enqueue %s: %v", id, err)
	}
}

func get(t *testing.T, mux *http.ServeMux, url string, into any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if into != nil && rr.Code == http.StatusOK {
		if err := json.NewDecoder(rr.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return rr
}

func TestListTasks(t *testing.T) {
	_, mux, store, _ := newTestHandlers(t)

	var empty []*task.Task
	rr := get(t, mux, "/api/tasks", &empty)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if empty == nil {
		t.Error("expected empty array, not null")
	}

	enqueue(t, store, "fetch", "builder", 5)
	enqueue(t, store, "compile", "builder", 8)
	enqueue(t, store, "deploy", "deployer", 5, "compile")

	var all []*task.Task
	get(t, mux, "/api/tasks", &all)
	if len(all) != 3 {
		t.Fatalf("tasks = %d, want 3", len(all))
	}

	var ready []*task.Task
	get(t, mux, "/api/tasks?status=ready", &ready)
	if len(ready) != 2 {
		t.Errorf("ready tasks = %d, want 2", len(ready))
	}

	var builders []*task.Task
	get(t, mux, "/api/tasks?agent_type=builder", &builders)
	if len(builders) != 2 {
		t.Errorf("builder tasks = %d, want 2", len(builders))
	}

	var limited []*task.Task
	get(t, mux, "/api/tasks?limit=1", &limited)
	if len(limited) != 1 {
		t.Errorf("limited tasks = %d, want 1", len(limited))
	}
}

func TestListTasks_UnknownStatus(t *testing.T) {
	_, mux, _, _ := newTestHandlers(t)
	rr := get(t, mux, "/api/tasks?status=sideways", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestGetTask(t *testing.T) {
	_, mux, store, _ := newTestHandlers(t)
	enqueue(t, store, "fetch", "builder", 5)

	var got task.Task
	rr := get(t, mux, "/api/tasks/fetch", &got)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.ID != "fetch" || got.Status != task.StatusReady {
		t.Errorf("got %s/%s, want fetch/ready", got.ID, got.Status)
	}

	rr = get(t, mux, "/api/tasks/ghost", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestQueueStatus(t *testing.T) {
	_, mux, store, _ := newTestHandlers(t)
	enqueue(t, store, "fetch", "builder", 5)
	enqueue(t, store, "deploy", "deployer", 5, "fetch")

	var st task.SystemStatus
	rr := get(t, mux, "/api/queue", &st)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if st.Total != 2 {
		t.Errorf("Total = %d, want 2", st.Total)
	}
	if st.ByStatus[task.StatusReady] != 1 || st.ByStatus[task.StatusBlocked] != 1 {
		t.Errorf("ByStatus = %v, want 1 ready / 1 blocked", st.ByStatus)
	}
	if st.NextReady == nil || st.NextReady.ID != "fetch" {
		t.Errorf("NextReady = %v, want fetch", st.NextReady)
	}
}

func TestListWorkers(t *testing.T) {
	h, mux, _, _ := newTestHandlers(t)

	var none []worker.Info
	rr := get(t, mux, "/api/workers", &none)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("workers = %v, want empty array", none)
	}

	h.Workers = stubWorkers{{ID: "worker-1", AgentType: "builder", Status: worker.StatusIdle}}
	var one []worker.Info
	get(t, mux, "/api/workers", &one)
	if len(one) != 1 || one[0].ID != "worker-1" {
		t.Errorf("workers = %v, want worker-1", one)
	}
}

func TestListEvents(t *testing.T) {
	_, mux, _, bus := newTestHandlers(t)

	ctx := context.Background()
	if err := bus.Publish(ctx, comms.NewEvent(comms.TypeEnqueued, "fetch")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, comms.NewEvent(comms.TypeClaimed, "fetch")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var all []*comms.Event
	rr := get(t, mux, "/api/events", &all)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(all) != 2 {
		t.Fatalf("events = %d, want 2", len(all))
	}

	var claimed []*comms.Event
	get(t, mux, "/api/events?type=task_claimed", &claimed)
	if len(claimed) != 1 || claimed[0].Type != comms.TypeClaimed {
		t.Errorf("claimed events = %v, want one task_claimed", claimed)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, mux, _, _ := newTestHandlers(t)

	var resp map[string]any
	rr := get(t, mux, "/api/status", &resp)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if _, ok := resp["uptime_seconds"]; !ok {
		t.Error("missing uptime_seconds")
	}
}

func TestVersionEndpoint(t *testing.T) {
	_, mux, _, _ := newTestHandlers(t)

	var resp map[string]string
	rr := get(t, mux, "/api/version", &resp)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %q, want test", resp["version"])
	}
}
