//go:build linux

// Package conn implements the per-client-socket state machine: read a
// 4-byte length header, accumulate the frame body, dispatch it to the
// Broker, write the framed reply back — driven entirely by Hub readiness
// callbacks, never a blocking read.
//
// Replies may complete out of order (the Broker's workers can finish in
// any order), but each client must observe its replies in submit order —
// so Connection holds a small per-connection reorder buffer keyed by a
// local, monotonic dispatch sequence, and only drains completed replies
// to the write queue once every earlier one has arrived.
package conn

import (
	"golang.org/x/sys/unix"

	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/broker"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/ipc"
	"github.com/thriftpool/thriftpool/internal/wire"
)

type replySlot struct {
	ready   bool
	payload []byte
}

// Connection is one accepted client TCP session.
type Connection struct {
	h      *hub.Hub
	log    applog.Component
	broker *broker.Broker
	fd     int
	dec    *wire.Decoder

	nextDispatch uint64
	nextWrite    uint64
	slots        map[uint64]replySlot
	tickets      map[uint64]*broker.Ticket

	writeQueue [][]byte
	writeBuf   []byte
	writable   bool
	closed     bool

	onClose func(*Connection)
}

// New wraps an already-accepted, nonblocking client socket fd. onClose is
// invoked exactly once, on the loop goroutine, when the connection
// transitions to CLOSED.
func New(h *hub.Hub, log applog.Component, b *broker.Broker, fd int, maxFrameSize uint32, onClose func(*Connection)) *Connection {
	return &Connection{
		h:       h,
		log:     log,
		broker:  b,
		fd:      fd,
		dec:     wire.NewDecoder(maxFrameSize),
		slots:   make(map[uint64]replySlot),
		tickets: make(map[uint64]*broker.Ticket),
		onClose: onClose,
	}
}

// Start arms the read watcher. Must be called on the loop goroutine.
func (c *Connection) Start() error {
	return c.h.RegisterFD(c.fd, hub.EventRead, c.onEvent)
}

func (c *Connection) onEvent(events hub.FDEvents) {
	if events&hub.EventError != 0 {
		c.fail(unix.ECONNRESET)
		return
	}
	if events&hub.EventWrite != 0 {
		if err := c.drainWrites(); err != nil {
			return
		}
	}
	if events&hub.EventRead != 0 || events&hub.EventHangup != 0 {
		c.readReady()
	}
}

func (c *Connection) readReady() {
	var buf [64 * 1024]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.feed(buf[:n])
			if c.closed {
				return
			}
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.fail(err)
			return
		}
		if n == 0 {
			c.fail(nil) // peer closed
			return
		}
		if n < len(buf) {
			return
		}
	}
}

// feed decodes as many complete frames as chunk contains, dispatching each
// to the Broker; clients may pipeline requests without waiting.
func (c *Connection) feed(chunk []byte) {
	for len(chunk) > 0 {
		consumed, frame, err := c.dec.Feed(chunk)
		if err != nil {
			// oversized frame: log and close
			if b := c.log.Warning(); b != nil {
				b.Str("msg", err.Error()).Log("frame too large, closing connection")
			}
			c.fail(err)
			return
		}
		chunk = chunk[consumed:]
		if frame != nil {
			c.dispatch(frame)
		}
		if consumed == 0 {
			return
		}
	}
}

// dispatch obtains a local sequence number, submits payload to the
// Broker, and reserves this connection's reorder slot for the reply.
func (c *Connection) dispatch(payload []byte) {
	seq := c.nextDispatch
	c.nextDispatch++
	c.slots[seq] = replySlot{}

	ticket, err := c.broker.Submit(payload, ipc.TagRPC, func(status broker.ReplyStatus, reply []byte) {
		c.complete(seq, status, reply)
	})
	if err != nil {
		// Backpressure: rejected synchronously, connection continues.
		// The client still needs a reply to stay in sync with pipelined
		// requests, so this resolves the slot immediately with the same
		// empty-reply convention as a vanished worker.
		if b := c.log.Warning(); b != nil {
			b.Str("msg", err.Error()).Log("submit rejected")
		}
		c.complete(seq, broker.StatusWorkerGone, nil)
		return
	}
	c.tickets[seq] = ticket
}

// complete resolves seq's reorder slot and flushes every now-contiguous
// reply to the write queue. Invoked on the loop goroutine, either directly
// from the Broker's reply routing or synchronously from dispatch above.
func (c *Connection) complete(seq uint64, status broker.ReplyStatus, payload []byte) {
	delete(c.tickets, seq)
	if _, ok := c.slots[seq]; !ok {
		return // connection already failed and cleared its slots
	}

	var out []byte
	if status == broker.StatusOK {
		out = payload
	}
	// else: an ERR reply, a gone worker, or a backpressure rejection all
	// collapse to an empty OK frame on the wire. A handler exception
	// already arrives from the worker as an empty OK reply, so clients
	// cannot tell any of these apart.

	c.slots[seq] = replySlot{ready: true, payload: out}
	c.flush()
}

func (c *Connection) flush() {
	for {
		slot, ok := c.slots[c.nextWrite]
		if !ok || !slot.ready {
			return
		}
		delete(c.slots, c.nextWrite)
		c.nextWrite++
		c.queueReply(slot.payload)
	}
}

func (c *Connection) queueReply(payload []byte) {
	if c.closed {
		return
	}
	c.writeQueue = append(c.writeQueue, wire.AppendFrame(nil, payload))
	if !c.writable {
		_ = c.drainWrites()
	}
}

// drainWrites pushes as much of the queue as the socket currently accepts:
// nonblocking, FIFO, resumed by writability.
func (c *Connection) drainWrites() error {
	for len(c.writeQueue) > 0 {
		if c.writeBuf == nil {
			c.writeBuf = c.writeQueue[0]
		}
		n, err := unix.Write(c.fd, c.writeBuf)
		if n > 0 {
			c.writeBuf = c.writeBuf[n:]
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.fail(err)
			return err
		}
		if len(c.writeBuf) == 0 {
			c.writeQueue = c.writeQueue[1:]
			c.writeBuf = nil
		}
	}
	if len(c.writeQueue) > 0 {
		if !c.writable {
			c.writable = true
			return c.h.ModifyFD(c.fd, hub.EventRead|hub.EventWrite)
		}
		return nil
	}
	if c.writable {
		c.writable = false
		return c.h.ModifyFD(c.fd, hub.EventRead)
	}
	return nil
}

// fail closes the connection: every still-pending ticket is canceled so
// its in-flight entry is removed from the Broker rather than leaking, then
// the socket is closed.
func (c *Connection) fail(err error) {
	if c.closed {
		return
	}
	c.closed = true
	if b := c.log.Warning(); b != nil {
		msg := "peer closed"
		if err != nil {
			msg = err.Error()
		}
		b.Str("msg", msg).Log("connection closed")
	}
	for _, t := range c.tickets {
		t.Cancel()
	}
	c.tickets = nil
	c.slots = nil
	_ = c.h.UnregisterFD(c.fd)
	_ = unix.Close(c.fd)
	if c.onClose != nil {
		c.onClose(c)
	}
}

// Close forces the connection closed, e.g. at master shutdown.
func (c *Connection) Close() { c.fail(nil) }
