//go:build linux

// Package supervisor implements the worker process manager: it spawns the
// configured number of worker processes, drives their handshake, registers
// them with the Broker, monitors exit, and recycles them once their age
// exceeds WORKER_TTL. Spawning is done directly with os/exec and AF_UNIX
// socketpairs (internal/ipc.NewStreamPair); each worker inherits its three
// streams via ExtraFiles.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/thriftpool/thriftpool/internal/apperr"
	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/broker"
	"github.com/thriftpool/thriftpool/internal/config"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/ipc"
	"github.com/thriftpool/thriftpool/internal/waiter"
	"github.com/thriftpool/thriftpool/internal/worker"
)

// renewerResolution is how often the TTL scan runs while workers are
// healthy.
const renewerResolution = 1 * time.Second

// renewerBackoff is the scan interval adopted for one cycle right after a
// recycle was triggered, so a single overdue worker doesn't cause every
// other worker to be killed in the same second.
const renewerBackoff = 60 * time.Second

// OnReady is invoked once a spawned worker has completed its handshake and
// been registered with the Broker; callers use it to wire acceptor
// registration (proxy.RegisterAcceptors/StartAcceptor) without Manager
// needing to know about listeners itself.
type OnReady func(id int, proxy broker.Proxy)

type procHandle struct {
	id        int
	cmd       *exec.Cmd
	masterHS  *ipc.Channel
	masterIn  int
	masterOut int
	startedAt time.Time
	bootstrap bool
	stopping  bool
	killTimer *hub.Timer
}

// Manager owns the worker process pool.
type Manager struct {
	h      *hub.Hub
	log    applog.Component
	broker *broker.Broker
	cfg    config.Config
	ready  OnReady

	mu      sync.Mutex
	procs   map[int]*procHandle
	nextID  int
	stopped bool

	startWaiter *waiter.Waiter
	stopWaiter  *waiter.Waiter

	renewerTimer *hub.Timer
}

// New constructs a Manager. cfg must already be Validate()d.
func New(h *hub.Hub, log applog.Component, br *broker.Broker, cfg config.Config, ready OnReady) *Manager {
	return &Manager{
		h:           h,
		log:         log,
		broker:      br,
		cfg:         cfg,
		ready:       ready,
		procs:       make(map[int]*procHandle),
		startWaiter: waiter.New(cfg.ProcessStartTimeout),
		stopWaiter:  waiter.New(2 * cfg.ProcessStopTimeout),
	}
}

func terminate(reason, msg string, cause error) error {
	return apperr.NewSystemTerminate(apperr.TerminateReason(reason), msg, cause)
}

// Start spawns the configured worker pool and blocks until every worker has
// completed its handshake, or PROCESS_START_TIMEOUT elapses.
func (m *Manager) Start() error {
	if err := m.h.Callback(func() {
		for i := 0; i < m.cfg.Workers; i++ {
			m.spawnOne()
		}
	}); err != nil {
		return err
	}
	return m.startWaiter.WaitOrTerminate("timeout starting worker processes", terminate)
}

// Stop sends SIGTERM to every worker, escalating to SIGKILL after
// PROCESS_STOP_TIMEOUT each, and blocks until all have exited or the
// overall 2x budget elapses.
func (m *Manager) Stop() error {
	if err := m.h.Callback(func() {
		m.mu.Lock()
		m.stopped = true
		empty := len(m.procs) == 0
		m.mu.Unlock()
		if m.renewerTimer != nil {
			m.renewerTimer.Cancel()
		}
		if empty {
			m.stopWaiter.Done()
			return
		}
		m.mu.Lock()
		for id := range m.procs {
			m.beginGracefulStop(id)
		}
		m.mu.Unlock()
	}); err != nil {
		return err
	}
	return m.stopWaiter.WaitOrTerminate("timeout stopping worker processes", terminate)
}

// Abort cuts short any in-progress Start/Stop wait, so signal delivery
// never leaves main blocked behind a full timeout budget.
func (m *Manager) Abort() {
	m.startWaiter.Abort()
	m.stopWaiter.Abort()
}

// IsReady reports whether every configured worker has been bootstrapped.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.procs {
		if p.bootstrap {
			n++
		}
	}
	return n >= m.cfg.Workers
}

// StartRenewer arms the TTL recycle scan. A zero WorkerTTL disables it.
func (m *Manager) StartRenewer() {
	if m.cfg.WorkerTTL <= 0 {
		return
	}
	var tick func()
	tick = func() {
		m.renewerTimer = m.h.ScheduleTimer(m.renewerTick(), tick)
	}
	// Arm on the loop goroutine so renewerTimer is only ever touched there
	// (tick reassigns it; Stop cancels it, also via the loop).
	_ = m.h.Submit(func() {
		m.renewerTimer = m.h.ScheduleTimer(renewerResolution, tick)
	})
}

// renewerTick runs one scan and returns the delay before the next one: the
// normal resolution, or the longer backoff if a worker was just recycled.
// Must run on the loop goroutine.
func (m *Manager) renewerTick() time.Duration {
	if !m.IsReady() {
		return renewerResolution
	}
	m.mu.Lock()
	ids := make([]int, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	now := time.Now()
	ttl := m.cfg.WorkerTTL
	var recycled bool
	for _, id := range ids {
		p := m.procs[id]
		if p.stopping || !p.bootstrap {
			continue
		}
		if now.Sub(p.startedAt) > ttl {
			if b := m.log.Info(); b != nil {
				b.Interface("pid", id).Log("worker exceeded TTL, recycling")
			}
			m.beginGracefulStop(id)
			recycled = true
			break
		}
	}
	m.mu.Unlock()
	if recycled {
		return renewerBackoff
	}
	return renewerResolution
}

// spawnOne launches one worker process and begins its handshake. Must run
// on the loop goroutine.
func (m *Manager) spawnOne() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	masterHS, childHS, err := ipc.NewStreamPair()
	if err != nil {
		m.spawnFailed(id, err)
		return
	}
	masterIn, childIn, err := ipc.NewStreamPair()
	if err != nil {
		_ = syscall.Close(masterHS)
		_ = syscall.Close(childHS)
		m.spawnFailed(id, err)
		return
	}
	masterOut, childOut, err := ipc.NewStreamPair()
	if err != nil {
		_ = syscall.Close(masterHS)
		_ = syscall.Close(childHS)
		_ = syscall.Close(masterIn)
		_ = syscall.Close(childIn)
		m.spawnFailed(id, err)
		return
	}

	cmd := exec.Command(m.cfg.WorkerCommand[0], m.cfg.WorkerCommand[1:]...)
	cmd.Env = append(os.Environ(), "IS_WORKER=1", fmt.Sprintf("THRIFTPOOL_WORKER_ID=%d", id))
	cmd.ExtraFiles = []*os.File{
		os.NewFile(uintptr(childHS), "handshake"),
		os.NewFile(uintptr(childIn), "incoming"),
		os.NewFile(uintptr(childOut), "outgoing"),
	}

	// Child output flows through our own pipes rather than inheriting the
	// master's descriptors directly, so each stream gets a forwarder.
	// Plain os.Pipe instead of cmd.StdoutPipe: Wait runs in its own
	// goroutine below and must not race the forwarder for the read end.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		for _, f := range cmd.ExtraFiles {
			_ = f.Close()
		}
		_ = syscall.Close(masterHS)
		_ = syscall.Close(masterIn)
		_ = syscall.Close(masterOut)
		m.spawnFailed(id, err)
		return
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		for _, f := range cmd.ExtraFiles {
			_ = f.Close()
		}
		_ = syscall.Close(masterHS)
		_ = syscall.Close(masterIn)
		_ = syscall.Close(masterOut)
		m.spawnFailed(id, err)
		return
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		for _, f := range cmd.ExtraFiles {
			_ = f.Close()
		}
		_ = syscall.Close(masterHS)
		_ = syscall.Close(masterIn)
		_ = syscall.Close(masterOut)
		m.spawnFailed(id, err)
		return
	}
	// The child has its own dup of each fd; release our copies.
	for _, f := range cmd.ExtraFiles {
		_ = f.Close()
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
	go forwardStream(stdoutR, os.Stdout)
	go forwardStream(stderrR, os.Stderr)

	p := &procHandle{id: id, cmd: cmd, masterIn: masterIn, masterOut: masterOut, startedAt: time.Now()}
	m.mu.Lock()
	m.procs[id] = p
	m.mu.Unlock()

	if b := m.log.Info(); b != nil {
		b.Interface("pid", id).Interface("os_pid", cmd.Process.Pid).Log("worker spawned")
	}

	go func() {
		waitErr := cmd.Wait()
		_ = m.h.Submit(func() { m.handleExit(id, waitErr) })
	}()

	p.masterHS = ipc.New(m.h, m.log, masterHS, m.cfg.MaxFrameSize, func(frame []byte) {
		m.handleHandshakeReply(id, frame)
	}, func(error) {
		// Child exited before replying; handleExit (triggered by cmd.Wait)
		// will do the cleanup.
	})
	if err := p.masterHS.Start(); err != nil {
		m.spawnFailed(id, err)
		return
	}

	snapshot := worker.HandshakePayload{
		Workers:     m.cfg.Workers,
		Concurrency: m.cfg.Concurrency,
		WorkerType:  string(m.cfg.WorkerType),
	}
	payload, err := encodeHandshake(snapshot)
	if err != nil {
		m.spawnFailed(id, err)
		return
	}
	if err := p.masterHS.WriteFrame(payload); err != nil {
		m.spawnFailed(id, err)
		return
	}
}

func (m *Manager) spawnFailed(id int, err error) {
	if b := m.log.Crit(); b != nil {
		b.Interface("pid", id).Str("msg", err.Error()).Log("failed to spawn worker")
	}
}

// handleHandshakeReply completes the registration once the worker confirms
// it decoded the configuration snapshot by writing back the ready marker.
func (m *Manager) handleHandshakeReply(id int, frame []byte) {
	m.mu.Lock()
	p, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if string(frame) != string(worker.ReadyMarker) {
		m.spawnFailed(id, apperr.ErrHandshakeFailed)
		return
	}
	_ = p.masterHS.Close()

	if err := m.broker.Register(id, p.masterIn, p.masterOut, m.cfg.MaxFrameSize); err != nil {
		m.spawnFailed(id, err)
		return
	}
	m.setupCb(id)
}

// setupCb finishes bringing up a freshly registered worker: apply the
// process title, hand the worker off to the caller's listener-wiring hook,
// mark it bootstrapped, and release the start waiter once every worker is
// ready.
func (m *Manager) setupCb(id int) {
	proxy, ok := m.broker.Get(id)
	if !ok {
		return
	}
	title := fmt.Sprintf("[thriftworker-%d] -c %d -k %s", id, m.cfg.Concurrency, m.cfg.WorkerType)
	_ = proxy.ChangeTitle(title, nil)

	if m.ready != nil {
		m.ready(id, proxy)
	}

	m.mu.Lock()
	if p, ok := m.procs[id]; ok {
		p.bootstrap = true
		p.startedAt = time.Now()
	}
	ready := len(m.readyLocked())
	m.mu.Unlock()

	if b := m.log.Info(); b != nil {
		b.Interface("pid", id).Log("worker initialized")
	}
	if ready >= m.cfg.Workers {
		m.startWaiter.Done()
	}
}

// readyLocked must be called with m.mu held.
func (m *Manager) readyLocked() []int {
	var out []int
	for id, p := range m.procs {
		if p.bootstrap {
			out = append(out, id)
		}
	}
	return out
}

// handleExit reaps a terminated worker, unregisters it from the Broker,
// and (unless the manager is stopping) spawns a replacement. Must run on
// the loop goroutine.
func (m *Manager) handleExit(id int, waitErr error) {
	m.mu.Lock()
	p, ok := m.procs[id]
	if ok {
		delete(m.procs, id)
		if p.killTimer != nil {
			p.killTimer.Cancel()
		}
	}
	stopped := m.stopped
	remaining := len(m.procs)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.broker.Unregister(id)

	if exitIsCritical(p, waitErr) {
		if b := m.log.Crit(); b != nil {
			msg := ""
			if waitErr != nil {
				msg = waitErr.Error()
			}
			b.Interface("pid", id).Str("msg", msg).Log("worker exited abnormally")
		}
	} else if b := m.log.Info(); b != nil {
		b.Interface("pid", id).Log("worker exited normally")
	}

	if stopped {
		if remaining == 0 {
			m.stopWaiter.Done()
		}
		return
	}

	// Replace the worker that just exited, whether it crashed or was
	// deliberately recycled by the renewer.
	m.spawnOne()
}

// beginGracefulStop sends SIGTERM and arms a SIGKILL escalation after
// PROCESS_STOP_TIMEOUT. m.mu must be held by the caller.
func (m *Manager) beginGracefulStop(id int) {
	p, ok := m.procs[id]
	if !ok || p.stopping {
		return
	}
	p.stopping = true
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	p.killTimer = m.h.ScheduleTimer(m.cfg.ProcessStopTimeout, func() {
		m.mu.Lock()
		_, stillRunning := m.procs[id]
		m.mu.Unlock()
		if stillRunning {
			_ = p.cmd.Process.Kill()
		}
	})
}

// exitIsCritical classifies a worker exit for logging: a clean exit
// (status 0) or a graceful SIGTERM (the signal beginGracefulStop sends)
// logs INFO; a crash, an unexpected signal, or a nonzero exit status logs
// CRITICAL.
func exitIsCritical(p *procHandle, waitErr error) bool {
	ps := p.cmd.ProcessState
	if ps == nil {
		return waitErr != nil
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Exited() {
			return ws.ExitStatus() != 0
		}
		if ws.Signaled() {
			return ws.Signal() != syscall.SIGTERM
		}
	}
	return waitErr != nil
}

func encodeHandshake(p worker.HandshakePayload) ([]byte, error) {
	return json.Marshal(p)
}
