// Package wire implements the length-prefixed framing shared by client
// sockets and worker IPC pipes: a 4-byte big-endian length followed by
// that many payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderSize is the number of bytes in a frame's length prefix.
const HeaderSize = 4

// DefaultMaxFrameSize is used when a Config does not set one.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a decoded length exceeds the configured
// maximum frame size.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// PutHeader writes the big-endian length prefix for payload of length n into
// buf, which must be at least HeaderSize bytes.
func PutHeader(buf []byte, n uint32) {
	binary.BigEndian.PutUint32(buf, n)
}

// DecodeHeader reads a 4-byte big-endian length prefix.
func DecodeHeader(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// AppendFrame appends a framed encoding of payload (length prefix + bytes)
// to dst and returns the extended slice.
func AppendFrame(dst []byte, payload []byte) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}

// ReadFrame reads one length-prefixed frame from r. It is a convenience
// wrapper for call sites that can afford to block, such as test clients;
// the hub-driven Connection and ipc.Channel state machines (including the
// handshake stream) decode frames incrementally instead, since they must
// never block the loop goroutine. A maxSize of 0 disables the size check.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := DecodeHeader(hdr[:])
	if maxSize > 0 && n > maxSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w, blocking until done or
// error. Used only on streams not owned by the hub, such as test clients.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// Decoder incrementally assembles frames from bytes delivered in arbitrary
// chunk sizes by a nonblocking reader, shared by Connection and
// ipc.Channel. It is not safe for concurrent use; each decoder is driven
// exclusively by one hub-affine reader.
type Decoder struct {
	maxSize uint32
	hdr     [HeaderSize]byte
	hdrLen  int
	body    []byte
	bodyLen uint32
	filled  uint32
	haveLen bool
}

// NewDecoder returns a Decoder that rejects frames larger than maxSize (0
// means DefaultMaxFrameSize).
func NewDecoder(maxSize uint32) *Decoder {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed consumes as much of chunk as is needed to make progress and returns
// the number of bytes consumed. If a complete frame becomes available,
// frame is non-nil and owns its own backing array (safe to retain).
func (d *Decoder) Feed(chunk []byte) (consumed int, frame []byte, err error) {
	if !d.haveLen {
		n := copy(d.hdr[d.hdrLen:], chunk)
		d.hdrLen += n
		consumed += n
		chunk = chunk[n:]
		if d.hdrLen < HeaderSize {
			return consumed, nil, nil
		}
		d.bodyLen = DecodeHeader(d.hdr[:])
		if d.bodyLen > d.maxSize {
			return consumed, nil, ErrFrameTooLarge
		}
		d.haveLen = true
		d.body = make([]byte, d.bodyLen)
	}

	n := copy(d.body[d.filled:], chunk)
	d.filled += uint32(n)
	consumed += n
	if d.filled < d.bodyLen {
		return consumed, nil, nil
	}

	frame = d.body
	d.reset()
	return consumed, frame, nil
}

func (d *Decoder) reset() {
	d.hdrLen = 0
	d.haveLen = false
	d.body = nil
	d.bodyLen = 0
	d.filled = 0
}
