// Package applog constructs the one structured logger used throughout the
// master and worker processes, threaded through internal/app.App rather
// than accessed as a package global.
package applog

import (
	"io"
	"os"

	"github.com/joeycumines/go-utilpkg/logiface"
	"github.com/joeycumines/go-utilpkg/logiface/stumpy"
)

// Logger is the concrete logger type shared across components.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON events to w. Passing
// a nil w defaults to os.Stderr; log rotation and shipping are deployment
// concerns left to the operator.
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(w)))
}

// Component log category names, so every log line carries a consistent
// "component" field for filtering.
const (
	CompHub        = "hub"
	CompAcceptor   = "acceptor"
	CompConn       = "conn"
	CompIPC        = "ipc"
	CompBroker     = "broker"
	CompSupervisor = "supervisor"
	CompRenewer    = "renewer"
	CompAdmin      = "admin"
)

// Component tags every event built through it with a "component" field,
// the pattern each package uses to get its own named logger from the one
// Logger shared at App construction.
type Component struct {
	log  *Logger
	name string
}

// For returns a Component-scoped view of l.
func For(l *Logger, component string) Component {
	return Component{log: l, name: component}
}

func (c Component) tag(b *logiface.Builder[*stumpy.Event]) *logiface.Builder[*stumpy.Event] {
	if b == nil {
		return nil
	}
	return b.Str("component", c.name)
}

// Info starts an informational event, or returns nil if info is disabled.
func (c Component) Info() *logiface.Builder[*stumpy.Event] { return c.tag(c.log.Info()) }

// Err starts an error-level event, or returns nil if err is disabled.
func (c Component) Err() *logiface.Builder[*stumpy.Event] { return c.tag(c.log.Err()) }

// Crit starts a critical-level event, or returns nil if crit is disabled.
func (c Component) Crit() *logiface.Builder[*stumpy.Event] { return c.tag(c.log.Crit()) }

// Debug starts a debug-level event, or returns nil if debug is disabled.
func (c Component) Debug() *logiface.Builder[*stumpy.Event] { return c.tag(c.log.Debug()) }

// Warning starts a warning-level event, or returns nil if warning is disabled.
func (c Component) Warning() *logiface.Builder[*stumpy.Event] { return c.tag(c.log.Warning()) }
