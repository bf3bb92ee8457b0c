//go:build linux

package hub

import "golang.org/x/sys/unix"

func pipeFDs() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func writeFD(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
