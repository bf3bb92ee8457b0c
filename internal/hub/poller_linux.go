//go:build linux

package hub

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct-indexed lookup; a listener plus thousands of client
// and worker-pipe descriptors fit comfortably under it.
const maxFDs = 65536

// ioEvents is a bitmask of readiness conditions reported to a watcher.
type ioEvents uint32

const (
	eventRead ioEvents = 1 << iota
	eventWrite
	eventError
	eventHangup
)

// ioCallback is invoked on the loop goroutine when a registered fd becomes
// ready. It must never block.
type ioCallback func(ioEvents)

var (
	errFDOutOfRange        = errors.New("hub: fd out of range")
	errFDAlreadyRegistered = errors.New("hub: fd already registered")
	errFDNotRegistered     = errors.New("hub: fd not registered")
	errPollerClosed        = errors.New("hub: poller closed")
)

type fdInfo struct {
	callback ioCallback
	active   bool
}

// poller wraps epoll. Registration mutates a direct-indexed array guarded
// by a mutex; wait itself takes no lock while blocked in epoll_wait, so a
// registration from another goroutine never stalls behind a running poll.
type poller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	closed   bool
}

func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	return nil
}

func (p *poller) close() error {
	p.fdMu.Lock()
	p.closed = true
	p.fdMu.Unlock()
	return unix.Close(p.epfd)
}

func (p *poller) registerFD(fd int, events ioEvents, cb ioCallback) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if p.closed {
		return errPollerClosed
	}
	if p.fds[fd].active {
		return errFDAlreadyRegistered
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	p.fds[fd] = fdInfo{callback: cb, active: true}
	return nil
}

func (p *poller) modifyFD(fd int, events ioEvents) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if !p.fds[fd].active {
		return errFDNotRegistered
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *poller) unregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if !p.fds[fd].active {
		return errFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks up to timeoutMs (negative blocks indefinitely) and dispatches
// ready callbacks inline, on the caller's goroutine (always the loop
// goroutine in practice).
func (p *poller) wait(timeoutMs int) error {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return nil
}

func eventsToEpoll(events ioEvents) uint32 {
	var e uint32
	if events&eventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&eventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) ioEvents {
	var events ioEvents
	if e&unix.EPOLLIN != 0 {
		events |= eventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= eventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= eventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= eventHangup
	}
	return events
}
