package abort

import (
	"context"
	"sync"
	"sync/atomic"

	"case-pipeline/internal/models"
)

// Handle is the cooperative cancellation signal for one execution. The
// executor checks Requested at suspension points and threads Context into
// every downstream call so in-flight I/O is preempted too. A handle is never
// reused across executions.
type Handle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	requested atomic.Bool
}

// Context is cancelled once cancellation is requested.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Requested reports whether cancellation has been asked for.
func (h *Handle) Requested() bool {
	return h.requested.Load()
}

// Signal requests cancellation. Safe to call more than once.
func (h *Handle) Signal() {
	if h.requested.CompareAndSwap(false, true) {
		h.cancel()
	}
}

// Registry maps unit keys to the abort handle of their in-flight execution.
type Registry struct {
	mu      sync.Mutex
	handles map[models.UnitKey]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[models.UnitKey]*Handle)}
}

// Register creates a handle for key, derived from parent. An existing handle
// for the same key is replaced; the session store guarantees at most one
// execution per key, so replacement only happens across distinct executions.
func (r *Registry) Register(parent context.Context, key models.UnitKey) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{ctx: ctx, cancel: cancel}

	r.mu.Lock()
	r.handles[key] = h
	r.mu.Unlock()
	return h
}

// Get returns the handle for key if one is registered.
func (r *Registry) Get(key models.UnitKey) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok
}

// Signal requests cancellation of the execution registered for key. It
// returns false when there is nothing to cancel.
func (r *Registry) Signal(key models.UnitKey) bool {
	r.mu.Lock()
	h, ok := r.handles[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.Signal()
	return true
}

// Release removes the handle once its execution has terminated. The handle's
// context is cancelled so nothing keeps leaking from an abandoned call.
func (r *Registry) Release(key models.UnitKey) {
	r.mu.Lock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	r.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Len reports how many executions currently hold a handle.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
