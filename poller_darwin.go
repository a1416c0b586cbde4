//go:build darwin

package cycle

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the darwin Poller, using kqueue and a self-pipe for
// Wakeup. kqueue filters are per direction, so the armed interest of each
// fd is tracked to compute the filters to add and delete on Modify.
type kqueuePoller struct { // betteralign:ignore
	armed       map[int]Interest
	buf         []unix.Kevent_t
	kq          int
	wakeR       int
	wakeW       int
	mu          sync.Mutex
	_           [sizeOfCacheLine]byte //nolint:unused
	wakePending atomic.Bool
	closed      atomic.Bool
}

func newPlatformPoller(maxEvents int) (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	wakeR, wakeW, err := createWakeFd()
	if err != nil {
		_ = closeFD(kq)
		return nil, err
	}
	if _, err := unix.Kevent(kq, interestToKevents(wakeR, Readable, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
		_ = closeFD(wakeR)
		_ = closeFD(wakeW)
		_ = closeFD(kq)
		return nil, err
	}
	return &kqueuePoller{
		armed: make(map[int]Interest),
		buf:   make([]unix.Kevent_t, max(1, maxEvents)),
		kq:    kq,
		wakeR: wakeR,
		wakeW: wakeW,
	}, nil
}

func (p *kqueuePoller) Register(fd int, interest Interest) error {
	return p.Modify(fd, interest)
}

func (p *kqueuePoller) Modify(fd int, interest Interest) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := checkFD(fd); err != nil {
		return err
	}
	interest &= Readable | Writable
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.armed[fd]
	if del := old &^ interest; del != 0 {
		// deleting filters the OS already dropped fails, and is ignored
		_, _ = unix.Kevent(p.kq, interestToKevents(fd, del, unix.EV_DELETE), nil, nil)
	}
	if add := interest &^ old; add != 0 {
		if _, err := unix.Kevent(p.kq, interestToKevents(fd, add, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
			if kept := old & interest; kept != 0 {
				p.armed[fd] = kept
			} else {
				delete(p.armed, fd)
			}
			return err
		}
	}
	if interest == 0 {
		delete(p.armed, fd)
	} else {
		p.armed[fd] = interest
	}
	return nil
}

func (p *kqueuePoller) Deregister(fd int) error {
	return p.Modify(fd, 0)
}

func (p *kqueuePoller) Poll(timeout time.Duration, events []Event) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	limit := min(len(events), len(p.buf))
	if limit == 0 {
		return 0, nil
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.buf[:limit], ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		kev := &p.buf[i]
		fd := int(kev.Ident)
		if fd == p.wakeR {
			p.drainWakeup()
			continue
		}
		// read and write filters fire as separate kevents, and are merged
		// by the reactor, which tolerates duplicate fds in a batch
		events[out] = Event{FD: fd, Ready: keventToInterest(kev)}
		out++
	}
	return out, nil
}

func (p *kqueuePoller) Wakeup() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if !p.wakePending.CompareAndSwap(false, true) {
		return nil
	}
	_, err := writeFD(p.wakeW, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// drainWakeup re-arms Wakeup before reading, see the linux poller.
func (p *kqueuePoller) drainWakeup() {
	p.wakePending.Store(false)
	var buf [64]byte
	for {
		if _, err := readFD(p.wakeR, buf[:]); err != nil {
			break
		}
	}
}

func (p *kqueuePoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return errors.Join(closeFD(p.wakeR), closeFD(p.wakeW), closeFD(p.kq))
}

func interestToKevents(fd int, interest Interest, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if interest&Readable != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if interest&Writable != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

func keventToInterest(kev *unix.Kevent_t) Interest {
	var ready Interest
	switch kev.Filter {
	case unix.EVFILT_READ:
		ready |= Readable
	case unix.EVFILT_WRITE:
		ready |= Writable
	}
	if kev.Flags&unix.EV_EOF != 0 {
		ready |= Hangup
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		ready |= ErrorCond
	}
	return ready
}
