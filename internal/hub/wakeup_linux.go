//go:build linux

package hub

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// createWakeFD returns an eventfd used as both the read and write end of
// the hub's cross-goroutine wake-up signal.
func createWakeFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// signalWake writes one wake-up tick to fd. Safe to call from any
// goroutine; concurrent writes coalesce since the loop only cares that the
// counter became non-zero. The eventfd counter is a native-byte-order
// uint64, not a wire/network field; it is encoded little-endian here, which
// on a big-endian host adds a larger value than 1, but any non-zero value
// wakes the loop and drainWake discards it.
func signalWake(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	return err
}

// drainWake reads and discards the eventfd counter so the fd goes back to
// not-ready until the next signalWake.
func drainWake(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func closeWakeFD(fd int) {
	_ = unix.Close(fd)
}
