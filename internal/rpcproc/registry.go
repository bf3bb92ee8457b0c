package rpcproc

import (
	"sync"
	"time"

	"github.com/thriftpool/thriftpool/internal/ctrlproto"
)

// Registry accumulates the per-method accounting the worker-side CTRL
// handlers expose (get_counters, get_timers, get_stack). Safe for
// concurrent use: each RPC runs on its own goroutine, so call accounting
// is inherently concurrent even though the IPC write that carries the
// reply back is serialized onto the Hub.
type Registry struct {
	mu       sync.Mutex
	counters map[string]uint64
	totalDur map[string]time.Duration
	stack    map[uint64]ctrlproto.StackEntry
	nextCall uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]uint64),
		totalDur: make(map[string]time.Duration),
		stack:    make(map[uint64]ctrlproto.StackEntry),
	}
}

// callHandle identifies one in-flight call for Finish's bookkeeping.
type callHandle struct {
	id     uint64
	method string
	start  time.Time
}

// Begin records a call as currently in-flight and returns a handle to
// pass to Finish.
func (r *Registry) Begin(method string, argRepr string) callHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextCall
	r.nextCall++
	r.stack[id] = ctrlproto.StackEntry{Method: method, Arg: argRepr}
	return callHandle{id: id, method: method, start: time.Now()}
}

// Finish records the call's completion: increments its counter and folds
// its duration into the running total for get_timers, then removes it
// from the stack snapshot.
func (r *Registry) Finish(h callHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stack, h.id)
	r.counters[h.method]++
	r.totalDur[h.method] += time.Since(h.start)
}

// Counters returns a snapshot of per-method call counts.
func (r *Registry) Counters() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Timers returns a snapshot of per-method average duration, in
// milliseconds.
func (r *Registry) Timers() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.totalDur))
	for method, total := range r.totalDur {
		n := r.counters[method]
		if n == 0 {
			continue
		}
		out[method] = float64(total.Milliseconds()) / float64(n)
	}
	return out
}

// Stack returns a snapshot of currently in-flight calls.
func (r *Registry) Stack() []ctrlproto.StackEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ctrlproto.StackEntry, 0, len(r.stack))
	for _, e := range r.stack {
		out = append(out, e)
	}
	return out
}
