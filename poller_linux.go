//go:build linux

package cycle

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the linux Poller, using epoll and an eventfd for Wakeup.
type epollPoller struct { // betteralign:ignore
	buf         []unix.EpollEvent
	epfd        int
	wakeFd      int
	_           [sizeOfCacheLine]byte //nolint:unused
	wakePending atomic.Bool
	closed      atomic.Bool
}

func newPlatformPoller(maxEvents int) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := createWakeFd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = closeFD(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = closeFD(wakeFd)
		_ = closeFD(epfd)
		return nil, err
	}
	return &epollPoller{
		buf:    make([]unix.EpollEvent, max(1, maxEvents)),
		epfd:   epfd,
		wakeFd: wakeFd,
	}, nil
}

func (p *epollPoller) Register(fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := checkFD(fd); err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if errors.Is(err, unix.EEXIST) {
		// a dup of a closed fd may still be armed
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	return err
}

func (p *epollPoller) Modify(fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := checkFD(fd); err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if errors.Is(err, unix.ENOENT) {
		// closing an fd removes it from the epoll set, and the number may
		// since have been reused
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return err
}

func (p *epollPoller) Deregister(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := checkFD(fd); err != nil {
		return err
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *epollPoller) Poll(timeout time.Duration, events []Event) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	limit := min(len(events), len(p.buf))
	if limit == 0 {
		return 0, nil
	}
	n, err := unix.EpollWait(p.epfd, p.buf[:limit], pollTimeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		fd := int(p.buf[i].Fd)
		if fd == p.wakeFd {
			p.drainWakeup()
			continue
		}
		events[out] = Event{FD: fd, Ready: epollToInterest(p.buf[i].Events)}
		out++
	}
	return out, nil
}

func (p *epollPoller) Wakeup() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if !p.wakePending.CompareAndSwap(false, true) {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := writeFD(p.wakeFd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

// drainWakeup re-arms Wakeup before reading, so a Wakeup racing the drain
// is at worst consumed by a reactor that is already awake.
func (p *epollPoller) drainWakeup() {
	p.wakePending.Store(false)
	var buf [8]byte
	for {
		if _, err := readFD(p.wakeFd, buf[:]); err != nil {
			break
		}
	}
}

func (p *epollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return errors.Join(closeFD(p.wakeFd), closeFD(p.epfd))
}

func interestToEpoll(interest Interest) uint32 {
	var events uint32
	if interest&Readable != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func epollToInterest(events uint32) Interest {
	var ready Interest
	if events&unix.EPOLLIN != 0 {
		ready |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= Writable
	}
	if events&unix.EPOLLERR != 0 {
		ready |= ErrorCond
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ready |= Hangup
	}
	return ready
}
