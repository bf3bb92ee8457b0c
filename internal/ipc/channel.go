//go:build linux

// Package ipc implements the duplex, framed stream each worker process is
// connected to the master by: one AF_UNIX socketpair per named stream
// ("handshake", "incoming", "outgoing"), one end held by the master, the
// other passed to the child via exec.Cmd.ExtraFiles. Frames are decoded
// via internal/wire and driven entirely by Hub readiness callbacks rather
// than a dedicated goroutine, since both directions already share one fd
// multiplexed onto the Hub's epoll set.
package ipc

import (
	"golang.org/x/sys/unix"

	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/wire"
)

// Tag identifies the kind of request frame carried on an "incoming" stream.
type Tag byte

const (
	TagRPC  Tag = 0x01
	TagCTRL Tag = 0x02
)

// Status identifies the kind of reply frame carried on an "outgoing" stream.
type Status byte

const (
	StatusOK  Status = 0x00
	StatusErr Status = 0x01
)

// NewStreamPair creates one AF_UNIX SOCK_STREAM socketpair for use as a
// named duplex stream: fd 0 is kept by the master, fd 1 is handed to the
// child via exec.Cmd.ExtraFiles.
func NewStreamPair() (masterFD, childFD int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return 0, 0, err
	}
	// The child-side fd is read by a Channel too, in the worker process
	// after exec; O_NONBLOCK survives exec, so it must be set here on the
	// parent's copy before the child inherits it.
	if err := unix.SetNonblock(fds[1], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// Channel is one duplex framed stream, reused identically for a worker's
// "incoming", "outgoing", and "handshake" streams. All methods except
// Close must be called on the Hub's loop goroutine.
type Channel struct {
	h       *hub.Hub
	log     applog.Component
	fd      int
	dec     *wire.Decoder
	onFrame func(payload []byte)
	onError func(error)

	writeQueue [][]byte
	writeBuf   []byte // unsent remainder of writeQueue[0]
	writable   bool
	closed     bool
}

// New constructs a Channel over fd. onFrame is invoked on the loop
// goroutine for every complete frame read; onError is invoked once, also
// on the loop goroutine, when the stream fails (EOF or a read/write
// error; nil means a clean peer close).
func New(h *hub.Hub, log applog.Component, fd int, maxFrameSize uint32, onFrame func([]byte), onError func(error)) *Channel {
	return &Channel{
		h:       h,
		log:     log,
		fd:      fd,
		dec:     wire.NewDecoder(maxFrameSize),
		onFrame: onFrame,
		onError: onError,
	}
}

// Start arms the read watcher. Must be called on the loop goroutine.
func (c *Channel) Start() error {
	return c.h.RegisterFD(c.fd, hub.EventRead, c.onEvent)
}

func (c *Channel) onEvent(events hub.FDEvents) {
	if events&hub.EventError != 0 {
		c.fail(unix.EPIPE)
		return
	}
	if events&hub.EventWrite != 0 {
		if err := c.drainWrites(); err != nil {
			return
		}
	}
	if events&hub.EventRead != 0 || events&hub.EventHangup != 0 {
		c.readReady(events)
	}
}

func (c *Channel) readReady(events hub.FDEvents) {
	var buf [64 * 1024]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.feed(buf[:n])
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

func (c *Channel) feed(chunk []byte) {
	for len(chunk) > 0 {
		consumed, frame, err := c.dec.Feed(chunk)
		if err != nil {
			c.fail(err) // oversized frame
			return
		}
		chunk = chunk[consumed:]
		if frame != nil && c.onFrame != nil {
			c.onFrame(frame)
		}
		if consumed == 0 {
			return
		}
	}
}

func (c *Channel) fail(err error) {
	if c.closed {
		return
	}
	c.closed = true
	if b := c.log.Warning(); b != nil {
		msg := "peer closed"
		if err != nil {
			msg = err.Error()
		}
		b.Str("msg", msg).Log("ipc channel failed")
	}
	_ = c.h.UnregisterFD(c.fd)
	_ = unix.Close(c.fd)
	if c.onError != nil {
		c.onError(err)
	}
}

// WriteFrame enqueues payload, length-prefixed, for nonblocking delivery.
// Must be called on the loop goroutine (the Broker and the worker's
// request dispatcher already run there).
func (c *Channel) WriteFrame(payload []byte) error {
	if c.closed {
		return unix.EPIPE
	}
	c.writeQueue = append(c.writeQueue, wire.AppendFrame(nil, payload))
	if !c.writable {
		return c.drainWrites()
	}
	return nil
}

// drainWrites pushes as much of the queue as the socket will currently
// accept: nonblocking, FIFO, resumed by a writability callback if it
// doesn't finish in one pass.
func (c *Channel) drainWrites() error {
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

// Close releases the file descriptor. Safe to call more than once, and
// safe to call after the channel has already torn itself down via fail
// (e.g. the peer closed first) — the fd is only ever released once.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.h.UnregisterFD(c.fd)
	return unix.Close(c.fd)
}
