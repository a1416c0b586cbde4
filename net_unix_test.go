//go:build linux || darwin

package cycle

import (
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseTCPAddr(t *testing.T) {
	for _, tc := range [...]struct {
		in   string
		want netip.AddrPort
		err  bool
	}{
		{in: `127.0.0.1:80`, want: netip.MustParseAddrPort(`127.0.0.1:80`)},
		{in: `:0`, want: netip.AddrPortFrom(netip.IPv4Unspecified(), 0)},
		{in: `[::1]:8080`, want: netip.MustParseAddrPort(`[::1]:8080`)},
		{in: `[::ffff:10.0.0.1]:1`, want: netip.MustParseAddrPort(`10.0.0.1:1`)},
		{in: `localhost:80`, err: true},
		{in: `127.0.0.1:99999`, err: true},
		{in: `127.0.0.1`, err: true},
		{in: `[fe80::1%eth0]:80`, err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTCPAddr(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// echoConn echoes a single connection until the peer closes its side.
type echoConn struct {
	conn  *TCPConn
	read  *ReadFuture
	write *WriteFuture
	buf   [512]byte
	total int
}

func (e *echoConn) Resume(cx *Context) Outcome[int] {
	for {
		if e.write != nil {
			o := e.write.Resume(cx)
			if o.Kind() != OutcomeCompleted {
				return Forward[int](o)
			}
			e.total += o.Value()
			e.write = nil
		}
		if e.read == nil {
			e.read = e.conn.Read(e.buf[:])
		}
		o := e.read.Resume(cx)
		if o.Pending() {
			return Suspend[int]()
		}
		e.read = nil
		switch {
		case errors.Is(o.Err(), io.EOF):
			_ = e.conn.Close()
			return Complete(e.total)
		case o.Kind() != OutcomeCompleted:
			return Forward[int](o)
		}
		e.write = e.conn.Write(e.buf[:o.Value()])
	}
}

// echoServer accepts one connection and echoes it.
type echoServer struct {
	accept *AcceptFuture
	echo   *echoConn
}

func (e *echoServer) Resume(cx *Context) Outcome[int] {
	if e.echo == nil {
		o := e.accept.Resume(cx)
		if o.Kind() != OutcomeCompleted {
			return Forward[int](o)
		}
		e.echo = &echoConn{conn: o.Value()}
	}
	return e.echo.Resume(cx)
}

// echoClient sends msg, closes its sending side, and reads the echo.
type echoClient struct {
	dial  *DialFuture
	conn  *TCPConn
	write *WriteFuture
	read  *ReadFuture
	msg   []byte
	got   []byte
	buf   [64]byte
}

func (c *echoClient) Resume(cx *Context) Outcome[string] {
	if c.conn == nil {
		o := c.dial.Resume(cx)
		if o.Kind() != OutcomeCompleted {
			return Forward[string](o)
		}
		c.conn = o.Value()
		c.write = c.conn.Write(c.msg)
	}
	if c.write != nil {
		if o := c.write.Resume(cx); o.Kind() != OutcomeCompleted {
			return Forward[string](o)
		}
		c.write = nil
		if err := c.conn.CloseWrite(); err != nil {
			return Fail[string](err)
		}
	}
	for {
		if c.read == nil {
			c.read = c.conn.Read(c.buf[:])
		}
		o := c.read.Resume(cx)
		switch {
		case o.Pending():
			return Suspend[string]()
		case errors.Is(o.Err(), io.EOF):
			_ = c.conn.Close()
			return Complete(string(c.got))
		case o.Kind() != OutcomeCompleted:
			return Forward[string](o)
		}
		c.read = nil
		c.got = append(c.got, c.buf[:o.Value()]...)
	}
}

func TestTCP_Echo(t *testing.T) {
	s := newTestScheduler(t, WithIO(true))
	l, err := ListenTCP(`127.0.0.1:0`)
	require.NoError(t, err)
	defer l.Close()
	require.NotZero(t, l.Addr().Port())

	server, err := Spawn[int](s, &echoServer{accept: l.Accept()})
	require.NoError(t, err)
	msg := []byte(`the quick brown fox jumps over the lazy dog, repeatedly`)
	client, err := Spawn[string](s, &echoClient{dial: DialTCP(l.Addr().String()), msg: msg})
	require.NoError(t, err)

	got, err := joinWithin(t, client, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(msg), got)
	n, err := joinWithin(t, server, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
}

func TestTCP_DialRefused(t *testing.T) {
	s := newTestScheduler(t, WithIO(true))
	l, err := ListenTCP(`127.0.0.1:0`)
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = awaitResult[*TCPConn](t, s, DialTCP(addr))
	assert.ErrorIs(t, err, unix.ECONNREFUSED)
}

func TestTCP_AcceptCancelled(t *testing.T) {
	s := newTestScheduler(t, WithIO(true))
	l, err := ListenTCP(`127.0.0.1:0`)
	require.NoError(t, err)
	defer l.Close()

	h, err := Spawn[*TCPConn](s, l.Accept())
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return s.reactor.waiterCount(l.FD()) == 1 }, "accept registration")
	h.Cancel()
	_, err = joinWithin(t, h, 5*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	waitFor(t, 5*time.Second, func() bool { return s.reactor.waiterCount(l.FD()) == 0 }, "deregistration")
}

func TestTCP_ListenInvalid(t *testing.T) {
	_, err := ListenTCP(`localhost:0`)
	assert.Error(t, err)
	l, err := ListenTCP(`127.0.0.1:0`)
	require.NoError(t, err)
	defer l.Close()
	_, err = ListenTCP(l.Addr().String())
	assert.ErrorIs(t, err, unix.EADDRINUSE)
}
