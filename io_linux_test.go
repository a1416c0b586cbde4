package cycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newNonblockingPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// pipeReader reads one byte, awaiting readiness on EAGAIN.
type pipeReader struct {
	ready *Readiness
	fd    int
}

func (p *pipeReader) Resume(cx *Context) Outcome[byte] {
	for {
		if p.ready != nil {
			if o := p.ready.Resume(cx); o.Kind() != OutcomeCompleted {
				return Forward[byte](o)
			}
			p.ready = nil
		}
		var buf [1]byte
		n, err := readFD(p.fd, buf[:])
		switch {
		case errors.Is(err, unix.EAGAIN):
			p.ready = ReadReady(p.fd)
		case err != nil:
			return Fail[byte](err)
		case n == 0:
			return Fail[byte](errors.New("eof"))
		default:
			return Complete(buf[0])
		}
	}
}

func TestEpoll_PipeReadiness(t *testing.T) {
	s := newTestScheduler(t, WithIO(true))
	r, w := newNonblockingPipe(t)
	h, err := Spawn[byte](s, &pipeReader{fd: r})
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return s.reactor.waiterCount(r) == 1 }, "registration")

	_, err = writeFD(w, []byte{'x'})
	require.NoError(t, err)
	b, err := joinWithin(t, h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte('x'), b)
}

func TestEpoll_WritableImmediately(t *testing.T) {
	s := newTestScheduler(t, WithIO(true))
	_, w := newNonblockingPipe(t)
	h, err := Spawn[Interest](s, WriteReady(w))
	require.NoError(t, err)
	ready, err := joinWithin(t, h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Writable, ready&Writable)
}

func TestEpoll_HangupOnClose(t *testing.T) {
	s := newTestScheduler(t, WithIO(true))
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	h, err := Spawn[Interest](s, ReadReady(fds[0]))
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return s.reactor.waiterCount(fds[0]) == 1 }, "registration")
	require.NoError(t, unix.Close(fds[1]))
	ready, err := joinWithin(t, h, 5*time.Second)
	require.NoError(t, err)
	assert.NotZero(t, ready&Hangup)
}

func TestEpollPoller_Basics(t *testing.T) {
	p, err := newPlatformPoller(16)
	require.NoError(t, err)
	r, w := newNonblockingPipe(t)

	assert.ErrorIs(t, p.Register(-1, Readable), ErrFDOutOfRange)
	require.NoError(t, p.Register(r, Readable))
	require.NoError(t, p.Modify(r, Readable|Writable))
	_, err = writeFD(w, []byte{1})
	require.NoError(t, err)

	events := make([]Event, 4)
	n, err := p.Poll(time.Second, events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, r, events[0].FD)
	assert.NotZero(t, events[0].Ready&Readable)

	require.NoError(t, p.Deregister(r))
	require.NoError(t, p.Wakeup())
	n, err = p.Poll(time.Second, events)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, p.Close())
	_, err = p.Poll(0, events)
	assert.ErrorIs(t, err, ErrPollerClosed)
}
