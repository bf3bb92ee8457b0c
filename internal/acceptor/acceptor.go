//go:build linux

// Package acceptor implements the Listener/Acceptor pair: one per
// configured TCP endpoint, registered for readability on the Hub, handing
// each accepted socket to a new internal/conn.Connection.
package acceptor

import (
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/broker"
	"github.com/thriftpool/thriftpool/internal/conn"
	"github.com/thriftpool/thriftpool/internal/hub"
)

// acceptBatch bounds how many sockets are drained per readiness fire, to
// prevent one busy listener from starving others on the same loop.
const acceptBatch = 16

// emfileCooldown is the fixed re-arm delay after repeated EMFILE/ENFILE.
const emfileCooldown = 1 * time.Second

// Acceptor owns one bound, named TCP listener.
type Acceptor struct {
	h       *hub.Hub
	log     applog.Component
	broker  *broker.Broker
	name    string
	addr    string
	maxSize uint32

	file    *os.File // keeps the dup'd listening fd alive
	fd      int
	bound   bool
	started bool
	closed  bool

	limiter  *catrate.Limiter
	cooldown *hub.Timer
}

// New constructs an unbound Acceptor for the named listener. Call Bind
// before Start.
func New(h *hub.Hub, log applog.Component, b *broker.Broker, name, addr string, maxFrameSize uint32) *Acceptor {
	return &Acceptor{
		h:       h,
		log:     log,
		broker:  b,
		name:    name,
		addr:    addr,
		maxSize: maxFrameSize,
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 3}),
	}
}

// Name returns the listener's configured name.
func (a *Acceptor) Name() string { return a.name }

// Started reports whether the accept watcher is currently armed.
func (a *Acceptor) Started() bool { return a.started }

// Bind resolves and binds the accept socket. Must be called once, before
// Start; loop-goroutine affinity is not required since no watcher is armed
// yet.
func (a *Acceptor) Bind() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	tcpLn := ln.(*net.TCPListener)
	boundAddr := tcpLn.Addr().String()
	f, err := tcpLn.File()
	_ = ln.Close() // f holds an independent dup of the fd
	if err != nil {
		return err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.fd = fd
	a.addr = boundAddr
	a.bound = true
	return nil
}

// Addr returns the bound address (post-Bind, resolves "127.0.0.1:0" to the
// actual ephemeral port assigned by the kernel).
func (a *Acceptor) Addr() string { return a.addr }

// Start arms the accept watcher. Must be called on the loop goroutine.
func (a *Acceptor) Start() error {
	if a.started {
		return nil
	}
	if err := a.h.RegisterFD(a.fd, hub.EventRead, a.onReadable); err != nil {
		return err
	}
	a.started = true
	return nil
}

// Stop disarms the watcher and closes the accept socket. Idempotent: a
// second call releases the fd exactly once.
func (a *Acceptor) Stop() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.started = false
	if a.cooldown != nil {
		a.cooldown.Cancel()
		a.cooldown = nil
	}
	_ = a.h.UnregisterFD(a.fd)
	return a.file.Close()
}

func (a *Acceptor) onReadable(hub.FDEvents) {
	for i := 0; i < acceptBatch; i++ {
		clientFD, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				a.handleFileExhaustion(err)
				return
			default:
				if b := a.log.Warning(); b != nil {
					b.Str("msg", err.Error()).Log("transient accept error")
				}
				return
			}
		}
		c := conn.New(a.h, a.log, a.broker, clientFD, a.maxSize, nil)
		if err := c.Start(); err != nil {
			if b := a.log.Warning(); b != nil {
				b.Str("msg", err.Error()).Log("failed to register accepted connection")
			}
			_ = unix.Close(clientFD)
		}
	}
}

// handleFileExhaustion backs off when the process runs out of file
// descriptors: the catrate limiter tracks how often EMFILE/ENFILE has
// fired recently; once the rate is exceeded, the watcher is disarmed and
// re-armed once after emfileCooldown.
func (a *Acceptor) handleFileExhaustion(err error) {
	if b := a.log.Warning(); b != nil {
		b.Str("msg", err.Error()).Log("accept socket exhausted, cooling down")
	}
	if _, ok := a.limiter.Allow(a.name); ok {
		return
	}
	if err := a.h.UnregisterFD(a.fd); err != nil {
		return
	}
	a.started = false
	a.cooldown = a.h.ScheduleTimer(emfileCooldown, func() {
		if a.closed {
			return
		}
		if err := a.Start(); err != nil {
			if b := a.log.Err(); b != nil {
				b.Str("msg", err.Error()).Log("failed to re-arm acceptor after cooldown")
			}
		}
	})
}
