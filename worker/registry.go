package worker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent types to the executor that handles them.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to an agent type.
// Returns an error if the agent type is already bound.
func (r *Registry) Register(agentType string, e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[agentType]; exists {
		return fmt.Errorf("agent type %q already registered", agentType)
	}
	r.executors[agentType] = e
	return nil
}

// Get returns the executor for an agent type.
func (r *Registry) Get(agentType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[agentType]
	return e, ok
}

// AgentTypes returns the registered agent types in sorted order.
func (r *Registry) AgentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]string, 0, len(r.executors))
	for agentType := range r.executors {
		result = append(result, agentType)
	}
	sort.Strings(result)
	return result
}

// Unregister removes the binding for an agent type.
func (r *Registry) Unregister(agentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[agentType]; !exists {
		return fmt.Errorf("agent type %q not found", agentType)
	}
	delete(r.executors, agentType)
	return nil
}
