// Package api defines the read-only REST handlers for the queue daemon.
package api

import (
	"github.com/capstanhq/capstan/worker"
)

// WorkerDirectory is the view of the daemon's worker pool the API
// exposes. Implemented by worker.Pool; nil when the daemon runs
// without workers.
type WorkerDirectory interface {
	Infos() []worker.Info
}
