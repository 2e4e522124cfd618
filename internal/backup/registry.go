package backup

import (
	"sort"
	"sync"
)

// registry tracks the workers this process runs. Only the orchestrator
// touches it, through register, cancel, cancelled and finish.
type registry struct {
	mu      sync.Mutex
	workers map[string]*workerEntry
}

type workerEntry struct {
	cancelled bool
	done      chan struct{}
}

func newRegistry() *registry {
	return &registry{workers: make(map[string]*workerEntry)}
}

func (r *registry) register(id string) *workerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &workerEntry{done: make(chan struct{})}
	r.workers[id] = e
	return e
}

// cancel raises the in-memory flag; false when no local worker runs id
func (r *registry) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return false
	}
	e.cancelled = true
	return true
}

func (r *registry) cancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	return ok && e.cancelled
}

func (r *registry) finish(id string) {
	r.mu.Lock()
	e, ok := r.workers[id]
	delete(r.workers, id)
	r.mu.Unlock()
	if ok {
		close(e.done)
	}
}

// wait returns a channel closed when id's worker exits, nil if none runs
func (r *registry) wait(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[id]; ok {
		return e.done
	}
	return nil
}

func (r *registry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
