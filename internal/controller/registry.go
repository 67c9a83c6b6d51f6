package controller

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Attempt is one in-flight execution of a task.
type Attempt struct {
	TaskID    int64     `json:"task_id"`
	Title     string    `json:"title"`
	Session   string    `json:"session"`
	StartedAt time.Time `json:"started_at"`

	cancel    context.CancelFunc
	cancelled atomic.Bool   // set only by Cancel, never by context teardown
	done      chan struct{} // closed on deregister, after the terminal transition landed
}

// Cancel stops the attempt's run context on behalf of an operator. The ledger
// transition happens in the attempt's own goroutine, not here.
func (a *Attempt) Cancel() {
	a.cancelled.Store(true)
	a.cancel()
}

// CancelRequested distinguishes an operator cancel from the run context dying
// with the daemon. Only the former produces a terminal cancelled status.
func (a *Attempt) CancelRequested() bool { return a.cancelled.Load() }

// Done is closed once the attempt has fully unwound, terminal status
// included. Callers that need cancel-then-requeue ordering wait on it.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Registry tracks in-flight attempts by task id. At most one attempt per
// task exists at a time.
type Registry struct {
	mu sync.Mutex
	m  map[int64]*Attempt
}

func NewRegistry() *Registry {
	return &Registry{m: map[int64]*Attempt{}}
}

// register returns false when the task already has a live attempt.
func (r *Registry) register(a *Attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[a.TaskID]; exists {
		return false
	}
	r.m[a.TaskID] = a
	return true
}

func (r *Registry) deregister(a *Attempt) {
	r.mu.Lock()
	if cur, ok := r.m[a.TaskID]; ok && cur == a {
		delete(r.m, a.TaskID)
	}
	r.mu.Unlock()
	close(a.done)
}

// Get returns the live attempt for a task, if any.
func (r *Registry) Get(taskID int64) (*Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.m[taskID]
	return a, ok
}

// Running reports whether a task has a live attempt.
func (r *Registry) Running(taskID int64) bool {
	_, ok := r.Get(taskID)
	return ok
}

// Snapshot returns the live attempts ordered by start time.
func (r *Registry) Snapshot() []*Attempt {
	r.mu.Lock()
	out := make([]*Attempt, 0, len(r.m))
	for _, a := range r.m {
		out = append(out, a)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// IDs returns the task ids with live attempts.
func (r *Registry) IDs() map[int64]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[int64]bool, len(r.m))
	for id := range r.m {
		ids[id] = true
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
