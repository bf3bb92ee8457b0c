// Package waiter implements a one-shot synchronization point with a
// timeout and an abort flag, used by internal/supervisor to bound process
// start/stop and let signal delivery cut a wait short.
package waiter

import (
	"errors"
	"sync"
	"time"
)

// ErrAborted is returned by Wait when Abort was called before the waiter
// was signaled done.
var ErrAborted = errors.New("waiter: aborted")

// ErrTimeout is returned by Wait when timeout elapses before Done or
// Abort.
var ErrTimeout = errors.New("waiter: timed out")

// Waiter is a single-shot event with a timeout and an abort flag.
type Waiter struct {
	timeout time.Duration

	mu      sync.Mutex
	ch      chan struct{}
	once    sync.Once
	aborted bool
}

// New constructs a Waiter with the given timeout.
func New(timeout time.Duration) *Waiter {
	return &Waiter{timeout: timeout, ch: make(chan struct{})}
}

// Done signals success. Safe to call more than once or concurrently with
// Abort; only the first call has any effect.
func (w *Waiter) Done() {
	w.once.Do(func() { close(w.ch) })
}

// Abort signals cancellation, so any in-progress wait returns promptly
// instead of running out its timeout.
func (w *Waiter) Abort() {
	w.mu.Lock()
	w.aborted = true
	w.mu.Unlock()
	w.once.Do(func() { close(w.ch) })
}

// Wait blocks until Done, Abort, or the configured timeout, whichever
// comes first.
func (w *Waiter) Wait() error {
	select {
	case <-w.ch:
		w.mu.Lock()
		aborted := w.aborted
		w.mu.Unlock()
		if aborted {
			return ErrAborted
		}
		return nil
	case <-time.After(w.timeout):
		return ErrTimeout
	}
}

// TerminateFunc converts a Wait error into the caller's SystemTerminate
// type; internal/supervisor supplies apperr.NewSystemTerminate here so
// this package need not import internal/apperr.
type TerminateFunc func(reason string, message string, cause error) error

// WaitOrTerminate converts a timeout or abort into a fatal error built by
// terminate, with msg as the failure reason.
func (w *Waiter) WaitOrTerminate(msg string, terminate TerminateFunc) error {
	err := w.Wait()
	switch err {
	case nil:
		return nil
	case ErrTimeout:
		return terminate("TIMEOUT", msg, err)
	case ErrAborted:
		return terminate("ABORTED", msg, err)
	default:
		return err
	}
}
