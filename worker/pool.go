package worker

import (
	"context"
	"fmt"
	"sync"
)

// Pool runs a set of workers together so the daemon can start and stop
// them as one unit.
type Pool struct {
	mu      sync.RWMutex
	workers []*Worker
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Add appends a worker to the pool.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = append(p.workers, w)
}

// StartAll launches every worker. The first failure aborts the start
// and is returned.
func (p *Pool) StartAll(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start worker %s: %w", w.cfg.ID, err)
		}
	}
	return nil
}

// StopAll shuts every worker down, waiting for each loop to exit.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var errs []error
	for _, w := range p.workers {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker %s: %w", w.cfg.ID, err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Infos snapshots every worker's metadata.
func (p *Pool) Infos() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		result = append(result, w.Info())
	}
	return result
}
