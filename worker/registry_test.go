package worker

import (
	"context"
	"reflect"
	"testing"

	"github.com/capstanhq/capstan/task"
)

func noopExecutor(name string) Executor {
	return &funcExecutor{name: name, fn: func(_ context.Context, _ *task.Task) (string, error) {
		return "", nil
	}}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("builder", noopExecutor("build")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e, ok := r.Get("builder")
	if !ok {
		t.Fatal("Get(builder) not found")
	}
	if e.Name() != "build" {
		t.Errorf("Name = %q, want build", e.Name())
	}
	if _, ok := r.Get("reviewer"); ok {
		t.Error("Get(reviewer) found, want missing")
	}
}

func TestRegistry_DuplicateAgentType(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("builder", noopExecutor("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("builder", noopExecutor("b")); err == nil {
		t.Fatal("expected error for duplicate agent type")
	}
	e, _ := r.Get("builder")
	if e.Name() != "a" {
		t.Errorf("Name = %q, want a (first registration kept)", e.Name())
	}
}

func TestRegistry_AgentTypes(t *testing.T) {
	r := NewRegistry()
	for _, at := range []string{"tester", "builder", "reviewer"} {
		if err := r.Register(at, noopExecutor(at)); err != nil {
			t.Fatalf("Register %s: %v", at, err)
		}
	}
	got := r.AgentTypes()
	want := []string{"builder", "reviewer", "tester"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AgentTypes = %v, want %v", got, want)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("builder", noopExecutor("build")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister("builder"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := r.Get("builder"); ok {
		t.Error("Get after Unregister found, want missing")
	}
	if err := r.Unregister("builder"); err == nil {
		t.Fatal("expected error unregistering unknown agent type")
	}
}
