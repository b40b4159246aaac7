package task

// Dependency resolution is deliberately pure: given a task and a way to
// look up the status of other tasks, decide whether it may run. Keeping
// this free of storage concerns lets the store reuse it inside
// transactions and tests exercise it directly.

// StatusLookup resolves a task id to its current status. The boolean is
// false when the id is not (yet) known; unknown dependencies count as
// unmet, never as errors.
type StatusLookup func(id string) (Status, bool)

// DepsSatisfied reports whether every dependency has completed.
// A failed or cancelled dependency does not satisfy, and does not
// propagate: the dependent simply stays blocked.
func DepsSatisfied(deps []string, lookup StatusLookup) bool {
	for _, dep := range deps {
		st, ok := lookup(dep)
		if !ok || st != StatusCompleted {
			return false
		}
	}
	return true
}

// InitialStatus computes the status a task enters the queue with.
func InitialStatus(deps []string, lookup StatusLookup) Status {
	if DepsSatisfied(deps, lookup) {
		return StatusReady
	}
	return StatusBlocked
}

// DedupeDeps removes duplicate dependency ids, preserving first-seen
// order. A task depending twice on the same id waits on it once.
func DedupeDeps(deps []string) []string {
	if len(deps) < 2 {
		return deps
	}
	seen := make(map[string]struct{}, len(deps))
	out := deps[:0]
	for _, dep := range deps {
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	return out
}
