//go:build linux

package app

import (
	"github.com/thriftpool/thriftpool/internal/acceptor"
	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/broker"
	"github.com/thriftpool/thriftpool/internal/config"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/supervisor"
)

// submitQueueCap bounds the Broker's FIFO of submissions waiting for a
// free worker slot. Sized to absorb a burst of pipelined requests across
// many connections without tripping backpressure; past it, clients see the
// empty-reply rejection rather than unbounded queueing.
const submitQueueCap = 1024

// App wires every master-side component behind one object: the Hub, the
// Broker, the configured Acceptors, and the process supervisor. There is
// deliberately no package-level singleton: the struct is built once at
// startup and passed into whatever entry point needs it (here,
// cmd/thriftpool-master), so tests can run several independent instances.
type App struct {
	Config config.Config
	Log    applog.Component

	Hub        *hub.Hub
	Broker     *broker.Broker
	Supervisor *supervisor.Manager
	Acceptors  []*acceptor.Acceptor
}

// New constructs an App from cfg. listeners maps each configured TCP
// endpoint's name to its address; every name is bound as its own Acceptor.
func New(log *applog.Logger, cfg config.Config, listeners map[string]string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Log:    applog.For(log, "app"),
		Hub:    hub.New(applog.For(log, applog.CompHub)),
	}
	a.Broker = broker.New(a.Hub, applog.For(log, applog.CompBroker), cfg.Concurrency, submitQueueCap)

	for name, addr := range listeners {
		a.Acceptors = append(a.Acceptors, acceptor.New(a.Hub, applog.For(log, applog.CompAcceptor), a.Broker, name, addr, cfg.MaxFrameSize))
	}

	a.Supervisor = supervisor.New(a.Hub, applog.For(log, applog.CompSupervisor), a.Broker, cfg, a.setupWorker)
	return a, nil
}

// setupWorker is the process manager's OnReady hook: it mirrors the
// master's listener table into the newly bootstrapped worker and starts
// every listener that is already running.
func (a *App) setupWorker(id int, proxy broker.Proxy) {
	listeners := make(map[int]string, len(a.Acceptors))
	for i, acc := range a.Acceptors {
		listeners[i] = acc.Name()
	}
	_ = proxy.RegisterAcceptors(listeners, nil)

	for _, acc := range a.Acceptors {
		if acc.Started() {
			_ = proxy.StartAcceptor(acc.Name(), nil)
		}
	}
}

// Start brings up the whole master process in dependency order: the Hub's
// loop first, then every Acceptor bound and armed, then the worker pool
// spawned and handshaken, then the TTL renewer. Returns once every worker
// has completed its handshake or PROCESS_START_TIMEOUT elapses.
func (a *App) Start() error {
	if err := a.Hub.Start(); err != nil {
		return err
	}
	for _, acc := range a.Acceptors {
		if err := acc.Bind(); err != nil {
			return err
		}
	}
	if err := a.Hub.Callback(func() {
		for _, acc := range a.Acceptors {
			_ = acc.Start()
		}
	}); err != nil {
		return err
	}
	if err := a.Supervisor.Start(); err != nil {
		return err
	}
	a.Supervisor.StartRenewer()
	return nil
}

// Stop tears the master process down in reverse order: acceptors first (no
// new connections), then the worker pool, then the Hub itself.
func (a *App) Stop() error {
	if err := a.Hub.Callback(func() {
		for _, acc := range a.Acceptors {
			_ = acc.Stop()
		}
	}); err != nil {
		return err
	}
	stopErr := a.Supervisor.Stop()
	// Workers unregister themselves as they exit; Shutdown completes
	// whatever was still queued waiting for a free worker slot.
	_ = a.Hub.Callback(func() {
		a.Broker.Shutdown()
	})
	if err := a.Hub.Stop(); err != nil {
		return err
	}
	return stopErr
}

// Abort cuts short an in-progress Start or Stop so signal delivery never
// leaves the caller blocked behind a full timeout budget.
func (a *App) Abort() {
	a.Supervisor.Abort()
}
