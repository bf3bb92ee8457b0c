//go:build linux

// Package worker implements the child process side of the IPC protocol:
// it performs the handshake, then dispatches RPC and CTRL frames read from
// the "incoming" stream, writing replies to "outgoing". This is the
// program internal/supervisor launches with IS_WORKER=1.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/ctrlproto"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/ipc"
	"github.com/thriftpool/thriftpool/internal/rpcproc"
)

// Worker is one child process's view of the IPC stream triad.
type Worker struct {
	h   *hub.Hub
	log applog.Component

	handshakeFD int
	incomingFD  int
	outgoingFD  int
	maxSize     uint32

	proc Processor
	reg  *rpcproc.Registry

	handshake *ipc.Channel
	incoming  *ipc.Channel
	outgoing  *ipc.Channel

	mu        sync.Mutex
	title     string
	acceptors map[int]string
	started   map[string]bool
}

// Processor is the subset of rpcproc.Processor Worker depends on, kept as
// a local alias so callers can substitute a fake in tests without
// importing rpcproc.
type Processor interface {
	Process(payload []byte) (reply []byte, method string, err error)
}

// New constructs a Worker over the three inherited stream fds.
// maxFrameSize bounds every stream identically to the client wire
// protocol's limit.
func New(h *hub.Hub, log applog.Component, handshakeFD, incomingFD, outgoingFD int, maxFrameSize uint32, proc Processor) *Worker {
	return &Worker{
		h:           h,
		log:         log,
		handshakeFD: handshakeFD,
		incomingFD:  incomingFD,
		outgoingFD:  outgoingFD,
		maxSize:     maxFrameSize,
		proc:        proc,
		reg:         rpcproc.NewRegistry(),
		acceptors:   make(map[int]string),
		started:     make(map[string]bool),
	}
}

// HandshakePayload is the snapshot the master writes on the handshake
// stream: an explicit, schema'd configuration snapshot. Nothing here is a
// serialized live object — deserializing arbitrary objects across the
// parent/child boundary is off the table even though both ends are local.
type HandshakePayload struct {
	Workers     int    `json:"workers"`
	Concurrency int    `json:"concurrency"`
	WorkerType  string `json:"worker_type"`
}

// ReadyMarker is the fixed response frame the worker writes once it has
// decoded the handshake payload successfully.
var ReadyMarker = []byte("READY")

// Run performs the handshake then starts the incoming/outgoing streams.
// It blocks until the handshake completes (or fails), so it must be
// called from a goroutine other than the Hub's own loop goroutine —
// typically the worker process's main goroutine, right after Hub.Start.
func (w *Worker) Run() error {
	done := make(chan error, 1)
	startErr := w.h.Callback(func() {
		w.handshake = ipc.New(w.h, w.log, w.handshakeFD, w.maxSize, func(frame []byte) {
			var snapshot HandshakePayload
			if err := json.Unmarshal(frame, &snapshot); err != nil {
				done <- fmt.Errorf("worker: invalid handshake payload: %w", err)
				return
			}
			if err := w.handshake.WriteFrame(ReadyMarker); err != nil {
				done <- err
				return
			}
			done <- nil
		}, func(err error) {
			select {
			case done <- fmt.Errorf("worker: handshake stream closed: %w", errOrPeerClosed(err)):
			default:
			}
		})
		if err := w.handshake.Start(); err != nil {
			done <- err
		}
	})
	if startErr != nil {
		return startErr
	}

	if err := <-done; err != nil {
		return err
	}

	return w.h.Callback(func() {
		w.outgoing = ipc.New(w.h, w.log, w.outgoingFD, w.maxSize, nil, func(error) {})
		w.incoming = ipc.New(w.h, w.log, w.incomingFD, w.maxSize, w.onIncoming, func(error) {
			// Master's incoming writer closed: the master is gone or
			// recycling us; exit and let the supervisor reap/respawn.
			os.Exit(0)
		})
		if err := w.outgoing.Start(); err != nil {
			return
		}
		_ = w.incoming.Start()
	})
}

func errOrPeerClosed(err error) error {
	if err == nil {
		return fmt.Errorf("peer closed")
	}
	return err
}

// onIncoming decodes one request frame and dispatches it by tag. Runs on
// the Hub's loop goroutine; RPC processing is handed off to its own
// goroutine so one slow handler cannot stall the dispatcher.
func (w *Worker) onIncoming(frame []byte) {
	if len(frame) < 9 {
		return
	}
	tag := ipc.Tag(frame[0])
	seq := frame[1:9]
	payload := frame[9:]

	switch tag {
	case ipc.TagRPC:
		go w.handleRPC(append([]byte(nil), seq...), append([]byte(nil), payload...))
	case ipc.TagCTRL:
		status, reply := w.handleCtrl(payload)
		w.writeReply(seq, status, reply)
	}
}

func (w *Worker) handleRPC(seq, payload []byte) {
	call := w.reg.Begin(methodGuess(payload), strconv.Itoa(len(payload)))
	reply, _, err := w.proc.Process(payload)
	w.reg.Finish(call)

	status := ipc.StatusOK
	out := reply
	if err != nil {
		// A handler exception becomes an empty OK reply, not a
		// transport-level ERR; clients cannot distinguish it from a
		// worker that died mid-request.
		out = nil
	}
	w.h.Submit(func() {
		w.writeReply(seq, status, out)
	})
}

func methodGuess(payload []byte) string {
	if string(payload) == "PING" {
		return "Iface.ping"
	}
	return "Iface.echoString"
}

func (w *Worker) writeReply(seq []byte, status ipc.Status, payload []byte) {
	if w.outgoing == nil {
		return
	}
	frame := make([]byte, 0, 9+len(payload))
	frame = append(frame, byte(status))
	frame = append(frame, seq...)
	frame = append(frame, payload...)
	if err := w.outgoing.WriteFrame(frame); err != nil {
		if b := w.log.Warning(); b != nil {
			b.Str("msg", err.Error()).Log("failed to write reply")
		}
	}
}

// handleCtrl applies one administrative command and returns the CTRL reply.
func (w *Worker) handleCtrl(payload []byte) (ipc.Status, []byte) {
	env, err := ctrlproto.Decode(payload)
	if err != nil {
		return ipc.StatusErr, []byte(err.Error())
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch env.Cmd {
	case ctrlproto.ChangeTitle:
		var title string
		if err := json.Unmarshal(env.Arg, &title); err != nil {
			return ipc.StatusErr, []byte(err.Error())
		}
		w.title = title
		setProcessTitle(title)
		return ipc.StatusOK, nil

	case ctrlproto.RegisterAcceptors:
		var listeners map[string]string
		if err := json.Unmarshal(env.Arg, &listeners); err != nil {
			return ipc.StatusErr, []byte(err.Error())
		}
		w.acceptors = make(map[int]string, len(listeners))
		for k, v := range listeners {
			idx, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			w.acceptors[idx] = v
		}
		return ipc.StatusOK, nil

	case ctrlproto.StartAcceptor:
		var name string
		if err := json.Unmarshal(env.Arg, &name); err != nil {
			return ipc.StatusErr, []byte(err.Error())
		}
		w.started[name] = true
		return ipc.StatusOK, nil

	case ctrlproto.StopAcceptor:
		var name string
		if err := json.Unmarshal(env.Arg, &name); err != nil {
			return ipc.StatusErr, []byte(err.Error())
		}
		delete(w.started, name)
		return ipc.StatusOK, nil

	case ctrlproto.GetCounters:
		out, _ := json.Marshal(w.reg.Counters())
		return ipc.StatusOK, out

	case ctrlproto.GetTimers:
		out, _ := json.Marshal(w.reg.Timers())
		return ipc.StatusOK, out

	case ctrlproto.GetStack:
		out, _ := json.Marshal(w.reg.Stack())
		return ipc.StatusOK, out

	default:
		return ipc.StatusErr, []byte("unknown ctrl command: " + env.Cmd)
	}
}

// Title returns the most recently applied process title (test hook).
func (w *Worker) Title() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.title
}

// setProcessTitle applies name to /proc/self/comm so each worker shows up
// under its own title in ps output. Best-effort and Linux-only; comm is
// truncated to 15 bytes by the kernel.
func setProcessTitle(name string) {
	f, err := os.OpenFile("/proc/self/comm", os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(name)
}
