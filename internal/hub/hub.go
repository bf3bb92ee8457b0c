// Package hub implements the single-threaded event loop ("Hub") that all
// other master- and worker-side components run on top of: one dedicated
// background goroutine owning an epoll instance, a timer min-heap, and a
// queue of closures submitted from other goroutines. Components are
// readiness-driven state machines rather than blocking callers; everything
// that touches a watcher runs on the loop goroutine.
package hub

import (
	"container/heap"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thriftpool/thriftpool/internal/applog"
)

// Errors returned by Hub operations.
var (
	ErrClosed  = errors.New("hub: closed")
	ErrTimeout = errors.New("hub: callback timed out")
)

// FDEvents is the public readiness mask passed to FD watchers.
type FDEvents = ioEvents

const (
	EventRead   FDEvents = eventRead
	EventWrite  FDEvents = eventWrite
	EventError  FDEvents = eventError
	EventHangup FDEvents = eventHangup
)

// FDCallback is invoked on the loop goroutine when fd becomes ready.
type FDCallback = ioCallback

// Hub owns one background goroutine driving a single epoll loop. One Hub
// exists per process (master or worker), created at startup and stopped
// exactly once at shutdown.
type Hub struct {
	log    applog.Component
	poller poller
	wakeFD int

	state hubState

	externalMu sync.Mutex
	external   []func()

	timers timerHeap

	loopGoroutineID atomic.Uint64

	readyCh chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
}

// New constructs a Hub. It does not start the loop goroutine; call Start.
func New(log applog.Component) *Hub {
	return &Hub{
		log:     log,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the loop goroutine. Idempotent: calling it again after the
// first successful call is a no-op. Returns once the loop is accepting
// watchers.
func (h *Hub) Start() error {
	if !h.state.tryTransition(stateAwake, stateRunning) {
		// already started (or terminal)
		return nil
	}

	if err := h.poller.init(); err != nil {
		h.state.store(stateTerminated)
		return err
	}
	wakeFD, err := createWakeFD()
	if err != nil {
		_ = h.poller.close()
		h.state.store(stateTerminated)
		return err
	}
	h.wakeFD = wakeFD
	if err := h.poller.registerFD(wakeFD, eventRead, func(ioEvents) {
		drainWake(h.wakeFD)
	}); err != nil {
		_ = h.poller.close()
		h.state.store(stateTerminated)
		return err
	}

	go h.run()
	<-h.readyCh
	return nil
}

// run is the body of the loop goroutine.
func (h *Hub) run() {
	h.loopGoroutineID.Store(getGoroutineID())
	close(h.readyCh)
	defer close(h.doneCh)

	for {
		h.processExternal()
		h.runTimers(time.Now())

		if h.state.load() == stateTerminating {
			h.externalMu.Lock()
			pending := len(h.external)
			h.externalMu.Unlock()
			if pending == 0 {
				h.state.store(stateTerminated)
				h.closeFDs()
				return
			}
		}

		timeout := h.calculateTimeout()
		if err := h.poller.wait(timeout); err != nil {
			if b := h.log.Err(); b != nil {
				b.Str("msg", err.Error()).Log("poll error")
			}
		}
	}
}

// calculateTimeout returns the epoll_wait timeout in milliseconds: 0 if
// there's queued external work to drain immediately, otherwise the time
// until the next timer, or -1 (block indefinitely) if none is scheduled.
func (h *Hub) calculateTimeout() int {
	h.externalMu.Lock()
	pending := len(h.external)
	h.externalMu.Unlock()
	if pending > 0 {
		return 0
	}
	next := h.nextTimerDeadline()
	if next.IsZero() {
		return -1
	}
	d := time.Until(next)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(1<<31-1) {
		ms = 1 << 31 - 1
	}
	return int(ms)
}

// processExternal drains and runs every closure queued by Submit/Callback.
// Must only be called from the loop goroutine.
func (h *Hub) processExternal() {
	h.externalMu.Lock()
	tasks := h.external
	h.external = nil
	h.externalMu.Unlock()
	for _, t := range tasks {
		h.safeExecute(t)
	}
}

// safeExecute runs fn, recovering and logging any panic so one broken task
// cannot take down the Hub.
func (h *Hub) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if b := h.log.Crit(); b != nil {
				b.Interface("panic", r).Log("task panicked")
			}
		}
	}()
	fn()
}

// Submit schedules task to run once on the loop goroutine at the next
// iteration. Safe to call from any goroutine. Ordering is FIFO relative to
// a single caller; no ordering is promised across callers.
func (h *Hub) Submit(task func()) error {
	if !h.state.canAcceptWork() {
		return ErrClosed
	}
	h.externalMu.Lock()
	h.external = append(h.external, task)
	h.externalMu.Unlock()
	return signalWake(h.wakeFD)
}

// SubmitInternal behaves like Submit, except that when called from the
// loop goroutine itself it runs task inline rather than round-tripping
// through the queue — used by code that already holds loop affinity, such
// as a timer callback scheduling another timer.
func (h *Hub) SubmitInternal(task func()) error {
	if h.isLoopThread() {
		h.safeExecute(task)
		return nil
	}
	return h.Submit(task)
}

// Callback schedules fn on the loop goroutine and blocks the caller until
// it has run, returning any panic recovered during execution as an error.
// This is the only sanctioned way for the main goroutine to touch
// Broker/process-manager/connection state, which otherwise belongs
// exclusively to the loop goroutine.
func (h *Hub) Callback(fn func()) error {
	if h.isLoopThread() {
		var perr error
		h.runCaptured(fn, &perr)
		return perr
	}
	done := make(chan error, 1)
	if err := h.Submit(func() {
		var perr error
		h.runCaptured(fn, &perr)
		done <- perr
	}); err != nil {
		return err
	}
	return <-done
}

func (h *Hub) runCaptured(fn func(), perr *error) {
	defer func() {
		if r := recover(); r != nil {
			*perr = errPanic{r}
		}
	}()
	fn()
}

type errPanic struct{ v any }

func (e errPanic) Error() string { return "hub: callback panicked" }

// RegisterFD arms fd for the given readiness events; cb fires on the loop
// goroutine whenever fd becomes ready.
func (h *Hub) RegisterFD(fd int, events FDEvents, cb FDCallback) error {
	return h.poller.registerFD(fd, events, cb)
}

// ModifyFD updates the readiness events monitored for fd.
func (h *Hub) ModifyFD(fd int, events FDEvents) error {
	return h.poller.modifyFD(fd, events)
}

// UnregisterFD disarms fd. After this returns, cb is guaranteed not to fire
// again for fd.
func (h *Hub) UnregisterFD(fd int) error {
	return h.poller.unregisterFD(fd)
}

// ScheduleTimer arranges for fn to run once after delay, on the loop
// goroutine. Safe to call from any goroutine.
func (h *Hub) ScheduleTimer(delay time.Duration, fn func()) *Timer {
	return h.scheduleTimer(delay, 0, fn)
}

// ScheduleRepeating arranges for fn to run every interval, starting after
// the first interval elapses.
func (h *Hub) ScheduleRepeating(interval time.Duration, fn func()) *Timer {
	return h.scheduleTimer(interval, interval, fn)
}

func (h *Hub) scheduleTimer(delay, repeat time.Duration, fn func()) *Timer {
	entry := &timerEntry{when: time.Now().Add(delay), repeat: repeat, fn: fn}
	t := &Timer{hub: h, entry: entry}
	_ = h.SubmitInternal(func() {
		heap.Push(&h.timers, entry)
	})
	return t
}

// isLoopThread reports whether the calling goroutine is the loop goroutine.
// The id comes from parsing runtime.Stack output; there is no supported
// alternative in the standard library.
func (h *Hub) isLoopThread() bool {
	id := h.loopGoroutineID.Load()
	return id != 0 && id == getGoroutineID()
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// Stop posts a wake-up that breaks the loop and blocks the caller until
// the loop goroutine has drained queued work and exited. Idempotent: a
// second call returns nil immediately.
func (h *Hub) Stop() error {
	for {
		cur := h.state.load()
		if cur.isTerminal() {
			return nil
		}
		if cur == stateAwake {
			// never started: nothing to drain
			if h.state.tryTransition(cur, stateTerminated) {
				return nil
			}
			continue
		}
		if h.state.tryTransition(cur, stateTerminating) {
			_ = signalWake(h.wakeFD)
			<-h.doneCh
			return nil
		}
	}
}

// Close moves the hub to terminating from whatever state it is in and
// blocks until the loop goroutine exits. The loop still runs every queued
// closure before it exits, as with Stop; queued work is not discarded.
// Close must only be called on a started hub: on one that was never
// started it blocks forever.
func (h *Hub) Close() error {
	h.state.store(stateTerminating)
	_ = signalWake(h.wakeFD)
	<-h.doneCh
	return nil
}

func (h *Hub) closeFDs() {
	h.closeOnce.Do(func() {
		_ = h.poller.close()
		closeWakeFD(h.wakeFD)
	})
}
