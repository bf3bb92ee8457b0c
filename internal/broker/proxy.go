package broker

import (
	"github.com/thriftpool/thriftpool/internal/ctrlproto"
	"github.com/thriftpool/thriftpool/internal/ipc"
)

// Proxy sends tag=CTRL requests to one registered worker, exposing its
// administrative operations. Unlike Submit it always targets that worker:
// round-robin selection, the per-worker concurrency cap and the wait queue
// do not apply. Every method must be called on the Hub's loop goroutine,
// same as Submit.
type Proxy struct {
	b   *Broker
	pid int
}

// Get returns a control proxy for pid, or ok=false if pid is not currently
// registered.
func (b *Broker) Get(pid int) (Proxy, bool) {
	if _, ok := b.workers[pid]; !ok {
		return Proxy{}, false
	}
	return Proxy{b: b, pid: pid}, true
}

// CtrlCallback receives the decoded reply to a control command: ok is
// false if the worker is gone before replying, err carries a worker-side
// failure description (the ERR payload), result carries the OK payload
// otherwise.
type CtrlCallback func(ok bool, result []byte, err string)

func (p Proxy) submit(cmd string, arg any, cb CtrlCallback) error {
	payload, err := ctrlproto.Encode(cmd, arg)
	if err != nil {
		return err
	}
	e, ok := p.b.workers[p.pid]
	if !ok {
		if cb != nil {
			cb(false, nil, "worker gone")
		}
		return nil
	}
	_, err = p.b.submitTo(e, ipc.TagCTRL, payload, func(status ReplyStatus, reply []byte) {
		if cb == nil {
			return
		}
		switch status {
		case StatusOK:
			cb(true, reply, "")
		case StatusErr:
			cb(true, nil, string(reply))
		default: // StatusWorkerGone
			cb(false, nil, "worker gone")
		}
	})
	return err
}

// ChangeTitle asks the worker to rename its process so each worker is
// identifiable in ps output. Best-effort.
func (p Proxy) ChangeTitle(title string, cb CtrlCallback) error {
	return p.submit(ctrlproto.ChangeTitle, title, cb)
}

// RegisterAcceptors mirrors the master's listener table into the worker
// (index -> listener name).
func (p Proxy) RegisterAcceptors(listeners map[int]string, cb CtrlCallback) error {
	return p.submit(ctrlproto.RegisterAcceptors, listeners, cb)
}

// StartAcceptor marks a named listener as started in the worker's local
// bookkeeping.
func (p Proxy) StartAcceptor(name string, cb CtrlCallback) error {
	return p.submit(ctrlproto.StartAcceptor, name, cb)
}

// StopAcceptor marks a named listener as stopped in the worker's local
// bookkeeping.
func (p Proxy) StopAcceptor(name string, cb CtrlCallback) error {
	return p.submit(ctrlproto.StopAcceptor, name, cb)
}

// GetCounters fetches the worker's per-method request counters.
func (p Proxy) GetCounters(cb CtrlCallback) error {
	return p.submit(ctrlproto.GetCounters, nil, cb)
}

// GetTimers fetches the worker's per-method average latency.
func (p Proxy) GetTimers(cb CtrlCallback) error {
	return p.submit(ctrlproto.GetTimers, nil, cb)
}

// GetStack fetches a snapshot of the worker's currently in-flight calls.
func (p Proxy) GetStack(cb CtrlCallback) error {
	return p.submit(ctrlproto.GetStack, nil, cb)
}
