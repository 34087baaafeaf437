package task

import (
	"context"
	"sync"
)

// CancelRegistry tracks the cancel functions of in-flight executions so an
// external cancellation request can signal the owning worker. Entries live
// only for the duration of one attempt in one process.
type CancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{m: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) Register(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[taskID] = cancel
}

func (r *CancelRegistry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, taskID)
}

// Signal cancels the in-flight execution for taskID if one is registered.
func (r *CancelRegistry) Signal(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.m[taskID]
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}
