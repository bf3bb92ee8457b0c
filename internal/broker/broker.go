// Package broker implements the master-side registry of worker channels:
// it picks a worker for each inbound request, correlates replies by
// sequence id, and enforces the per-worker concurrency cap.
//
// Every exported method must be called on the Hub's loop goroutine —
// Broker state belongs exclusively to that goroutine, so no internal
// locking is needed here at all.
package broker

import (
	"encoding/binary"
	"time"

	"github.com/thriftpool/thriftpool/internal/apperr"
	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/ipc"
)

// ReplyStatus is the internally-distinguished outcome of a submitted
// request: StatusErr marks an ERR reply frame from the worker, and
// StatusWorkerGone a worker unregistered (or a broker shut down) before it
// replied. A handler exception reaches the master as an empty OK reply
// from the worker, so it arrives here as StatusOK. On the wire every
// non-OK status surfaces to the client as an empty OK reply too.
type ReplyStatus int

const (
	StatusOK ReplyStatus = iota
	StatusErr
	StatusWorkerGone
)

// ReplyCallback is invoked exactly once per submitted request: on reply,
// on Unregister of the owning worker, or on Broker Shutdown.
type ReplyCallback func(status ReplyStatus, payload []byte)

type pendingSubmit struct {
	tag      ipc.Tag
	payload  []byte
	cb       ReplyCallback
	canceled bool
}

// Ticket identifies one submitted request, letting its originating
// Connection cancel the pending reply callback when the client socket dies
// first, so in-flight entries don't leak.
type Ticket struct {
	b        *Broker
	assigned bool
	pid      int
	seq      uint64
	pend     *pendingSubmit
}

// Cancel removes the pending callback before it would otherwise fire. A
// no-op if the request already completed.
func (t *Ticket) Cancel() {
	if t.assigned {
		if e, ok := t.b.workers[t.pid]; ok {
			delete(e.inFlight, t.seq)
		}
		return
	}
	if t.pend != nil {
		t.pend.canceled = true
	}
}

type workerEntry struct {
	pid          int
	incoming     *ipc.Channel
	outgoing     *ipc.Channel
	nextSeq      uint64
	inFlight     map[uint64]ReplyCallback
	registeredAt time.Time
}

// Broker is the master-side request router.
type Broker struct {
	h           *hub.Hub
	log         applog.Component
	concurrency int
	queueCap    int

	workers map[int]*workerEntry
	order   []int
	rrPos   int

	waitQueue []*pendingSubmit
}

// New constructs a Broker. concurrency is the per-worker in-flight cap;
// queueCap bounds the FIFO used when every worker is saturated.
func New(h *hub.Hub, log applog.Component, concurrency, queueCap int) *Broker {
	return &Broker{
		h:           h,
		log:         log,
		concurrency: concurrency,
		queueCap:    queueCap,
		workers:     make(map[int]*workerEntry),
	}
}

// Register adds pid as a routable worker, taking ownership of both fds:
// incomingFD is written to for outbound requests, outgoingFD is read from
// for replies. Must be called on the loop goroutine, typically right after
// a successful handshake.
func (b *Broker) Register(pid, incomingFD, outgoingFD int, maxFrameSize uint32) error {
	e := &workerEntry{
		pid:          pid,
		inFlight:     make(map[uint64]ReplyCallback),
		registeredAt: time.Now(),
	}
	e.incoming = ipc.New(b.h, b.log, incomingFD, maxFrameSize, nil, func(err error) {
		b.handleStreamClosed(pid, err)
	})
	e.outgoing = ipc.New(b.h, b.log, outgoingFD, maxFrameSize, func(frame []byte) {
		b.handleReplyFrame(pid, frame)
	}, func(err error) {
		b.handleStreamClosed(pid, err)
	})
	if err := e.incoming.Start(); err != nil {
		return err
	}
	if err := e.outgoing.Start(); err != nil {
		_ = e.incoming.Close()
		return err
	}

	b.workers[pid] = e
	b.order = append(b.order, pid)
	b.drainWaitQueue()
	return nil
}

// Unregister removes pid. Every still-pending callback in its in-flight
// table is invoked with StatusWorkerGone; its incoming writer is closed.
func (b *Broker) Unregister(pid int) {
	e, ok := b.workers[pid]
	if !ok {
		return
	}
	delete(b.workers, pid)
	for i, p := range b.order {
		if p == pid {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if b.rrPos >= len(b.order) {
		b.rrPos = 0
	}

	for seq, cb := range e.inFlight {
		delete(e.inFlight, seq)
		cb(StatusWorkerGone, nil)
	}
	_ = e.incoming.Close()
	_ = e.outgoing.Close()

	b.drainWaitQueue()
}

func (b *Broker) handleStreamClosed(pid int, _ error) {
	if c := b.log.Warning(); c != nil {
		c.Interface("pid", pid).Log("worker stream closed")
	}
	b.Unregister(pid)
}

// Keys enumerates currently registered worker pids, used by the admin
// surface.
func (b *Broker) Keys() []int {
	out := make([]int, len(b.order))
	copy(out, b.order)
	return out
}

// Submit routes payload to a selected worker, or queues it if every worker
// is saturated. Returns apperr.ErrBackpressure if the wait queue is also
// full.
func (b *Broker) Submit(payload []byte, tag ipc.Tag, cb ReplyCallback) (*Ticket, error) {
	if e := b.pickWorker(); e != nil {
		seq, err := b.submitTo(e, tag, payload, cb)
		if err != nil {
			return nil, err
		}
		return &Ticket{b: b, assigned: true, pid: e.pid, seq: seq}, nil
	}
	if len(b.waitQueue) >= b.queueCap {
		return nil, apperr.ErrBackpressure
	}
	pend := &pendingSubmit{tag: tag, payload: payload, cb: cb}
	b.waitQueue = append(b.waitQueue, pend)
	return &Ticket{b: b, pend: pend}, nil
}

func (b *Broker) pickWorker() *workerEntry {
	n := len(b.order)
	for i := 0; i < n; i++ {
		idx := (b.rrPos + i) % n
		pid := b.order[idx]
		e := b.workers[pid]
		if len(e.inFlight) < b.concurrency {
			b.rrPos = (idx + 1) % n
			return e
		}
	}
	return nil
}

func (b *Broker) submitTo(e *workerEntry, tag ipc.Tag, payload []byte, cb ReplyCallback) (uint64, error) {
	seq := e.nextSeq
	e.nextSeq++
	e.inFlight[seq] = cb

	frame := make([]byte, 0, 9+len(payload))
	frame = append(frame, byte(tag))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	frame = append(frame, seqBuf[:]...)
	frame = append(frame, payload...)

	if err := e.incoming.WriteFrame(frame); err != nil {
		delete(e.inFlight, seq)
		return 0, err
	}
	return seq, nil
}

// drainWaitQueue re-attempts queued submissions whenever a worker's
// in-flight table has room (after Register or a reply frees a slot).
func (b *Broker) drainWaitQueue() {
	for len(b.waitQueue) > 0 {
		next := b.waitQueue[0]
		if next.canceled {
			b.waitQueue = b.waitQueue[1:]
			continue
		}
		e := b.pickWorker()
		if e == nil {
			return
		}
		b.waitQueue = b.waitQueue[1:]
		_, _ = b.submitTo(e, next.tag, next.payload, next.cb)
	}
}

// handleReplyFrame decodes a reply frame from a worker's outgoing stream
// and routes it to the stored callback.
func (b *Broker) handleReplyFrame(pid int, frame []byte) {
	if len(frame) < 9 {
		if c := b.log.Warning(); c != nil {
			c.Interface("pid", pid).Log("short reply frame, dropped")
		}
		return
	}
	statusByte := frame[0]
	seq := binary.BigEndian.Uint64(frame[1:9])
	payload := frame[9:]

	e, ok := b.workers[pid]
	if !ok {
		return
	}
	cb, ok := e.inFlight[seq]
	if !ok {
		if c := b.log.Warning(); c != nil {
			c.Interface("pid", pid).Interface("seq", seq).Log("reply for unknown sequence id, dropped")
		}
		return
	}
	delete(e.inFlight, seq)

	status := StatusOK
	if ipc.Status(statusByte) == ipc.StatusErr {
		status = StatusErr
	}
	cb(status, payload)
	b.drainWaitQueue()
}

// Shutdown invokes every still-pending callback across all workers with
// StatusWorkerGone and clears all state — used at master shutdown so no
// Connection is left waiting forever.
func (b *Broker) Shutdown() {
	for pid := range b.workers {
		b.Unregister(pid)
	}
	for _, p := range b.waitQueue {
		if !p.canceled {
			p.cb(StatusWorkerGone, nil)
		}
	}
	b.waitQueue = nil
}
