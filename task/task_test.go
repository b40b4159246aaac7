package task

import (
	"errors"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", st)
		}
	}
	live := []Status{StatusBlocked, StatusReady, StatusRunning}
	for _, st := range live {
		if st.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", st)
		}
	}
}

func TestTaskValidate(t *testing.T) {
	valid := func() *Task {
		return &Task{ID: "t1", AgentType: "builder", Description: "compile", Priority: 5}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate on valid task: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing id", func(t *Task) { t.ID = "" }},
		{"missing agent type", func(t *Task) { t.AgentType = "" }},
		{"missing description", func(t *Task) { t.Description = "" }},
		{"priority below range", func(t *Task) { t.Priority = 0 }},
		{"priority above range", func(t *Task) { t.Priority = 11 }},
		{"empty dependency", func(t *Task) { t.Dependencies = []string{"ok", ""} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := valid()
			tc.mutate(task)
			if err := task.Validate(); !errors.Is(err, ErrInvalidTask) {
				t.Errorf("Validate = %v, want ErrInvalidTask", err)
			}
		})
	}

	for p := MinPriority; p <= MaxPriority; p++ {
		task := valid()
		task.Priority = p
		if err := task.Validate(); err != nil {
			t.Errorf("Validate with priority %d: %v", p, err)
		}
	}
}
