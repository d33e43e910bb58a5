package analysis

import (
	"context"
	"sync"
)

// registry tracks in-flight analyses so they can be canceled by upload id.
// Its size is the number of active analyses.
type registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newRegistry() *registry {
	return &registry{cancels: map[string]context.CancelFunc{}}
}

func (r *registry) add(id string, cancel context.CancelFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
	return len(r.cancels)
}

func (r *registry) remove(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
	return len(r.cancels)
}

// cancel stops the analysis for id and reports whether one was running.
func (r *registry) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cancels[id]; ok {
		c()
		delete(r.cancels, id)
		return true
	}
	return false
}

func (r *registry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	return ids
}
