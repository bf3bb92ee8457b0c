//go:build linux

// Command thriftpool-worker is the child process internal/supervisor
// launches: it inherits three extra file descriptors from its parent via
// exec.Cmd.ExtraFiles — handshake (fd 3), incoming (fd 4), outgoing
// (fd 5) — performs the handshake, then services RPC/CTRL frames until the
// master closes the incoming stream or sends SIGTERM.
//
// The worker parses no configuration of its own. The handshake payload the
// master writes is decoded only to confirm it is well formed before the
// ready marker goes back; its fields are not applied, and every stream uses
// the default maximum frame size.
package main

import (
	"os"

	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/rpcproc"
	"github.com/thriftpool/thriftpool/internal/worker"
)

const (
	handshakeFD = 3
	incomingFD  = 4
	outgoingFD  = 5
)

func main() {
	log := applog.For(applog.New(nil), "worker")

	h := hub.New(log)
	if err := h.Start(); err != nil {
		if b := log.Crit(); b != nil {
			b.Str("msg", err.Error()).Log("failed to start hub")
		}
		os.Exit(1)
	}

	w := worker.New(h, log, handshakeFD, incomingFD, outgoingFD, 0, rpcproc.DemoProcessor{})
	if err := w.Run(); err != nil {
		if b := log.Crit(); b != nil {
			b.Str("msg", err.Error()).Log("worker failed to start")
		}
		os.Exit(1)
	}

	// Frame dispatch happens entirely on the hub's loop goroutine from here
	// on; block until the master closes the incoming stream (worker.go's
	// onError calls os.Exit(0) directly) or a signal terminates the
	// process.
	select {}
}
