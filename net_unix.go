//go:build linux || darwin

package cycle

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ParseTCPAddr parses a literal host:port, without name resolution, which
// would block a worker (resolve names with Blocking instead). An empty host
// is the IPv4 wildcard. IPv6 zones are not supported.
func ParseTCPAddr(address string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("cycle: parse address %q: %w", address, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("cycle: parse address %q: invalid port", address)
	}
	addr := netip.IPv4Unspecified()
	if host != `` {
		if addr, err = netip.ParseAddr(host); err != nil {
			return netip.AddrPort{}, fmt.Errorf("cycle: parse address %q: %w", address, err)
		}
		if addr.Zone() != `` {
			return netip.AddrPort{}, fmt.Errorf("cycle: parse address %q: zoned addresses are unsupported", address)
		}
		addr = addr.Unmap()
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}

func toSockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

func localAddr(fd int) netip.AddrPort {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return fromSockaddr(sa)
}

// TCPListener is a non-blocking listening socket. Connections are accepted
// by awaiting Accept, which waits on the scheduler's reactor.
type TCPListener struct {
	addr   netip.AddrPort
	fd     int
	closed atomic.Bool
}

// ListenTCP binds and listens on a literal address, see ParseTCPAddr. Use
// port 0 to pick a free port, reported by Addr.
func ListenTCP(address string) (*TCPListener, error) {
	ap, err := ParseTCPAddr(address)
	if err != nil {
		return nil, err
	}
	sa, domain := toSockaddr(ap)
	fd, err := newStreamSocket(domain)
	if err != nil {
		return nil, fmt.Errorf("cycle: listen %s: socket: %w", ap, err)
	}
	if err := listenFD(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cycle: listen %s: %w", ap, err)
	}
	return &TCPListener{fd: fd, addr: localAddr(fd)}, nil
}

func listenFD(fd int, sa unix.Sockaddr) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() netip.AddrPort { return l.addr }

// FD returns the listening socket.
func (l *TCPListener) FD() int { return l.fd }

// Close closes the socket. Pending Accept awaitables must be cancelled
// first, since closing does not wake them.
func (l *TCPListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(l.fd)
}

// Accept returns an awaitable completing with the next connection.
func (l *TCPListener) Accept() *AcceptFuture {
	return &AcceptFuture{l: l}
}

// AcceptFuture is the awaitable behind TCPListener.Accept.
type AcceptFuture struct {
	l     *TCPListener
	ready *Readiness
}

func (f *AcceptFuture) Resume(cx *Context) Outcome[*TCPConn] {
	for {
		if f.ready != nil {
			if o := f.ready.Resume(cx); o.Kind() != OutcomeCompleted {
				return Forward[*TCPConn](o)
			}
			f.ready = nil
		}
		if f.l.closed.Load() {
			return Fail[*TCPConn](net.ErrClosed)
		}
		nfd, sa, err := acceptStream(f.l.fd)
		switch {
		case err == nil:
			return Complete(newTCPConn(nfd, fromSockaddr(sa)))
		case errors.Is(err, unix.EAGAIN):
			f.ready = ReadReady(f.l.fd)
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
		default:
			return Fail[*TCPConn](fmt.Errorf("cycle: accept: %w", err))
		}
	}
}

// Cancel retracts the pending readiness registration, if any.
func (f *AcceptFuture) Cancel() {
	if f.ready != nil {
		f.ready.Cancel()
		f.ready = nil
	}
}

// TCPConn is a non-blocking TCP connection. A TCPConn may have one pending
// Read and one pending Write at a time.
type TCPConn struct {
	local  netip.AddrPort
	remote netip.AddrPort
	fd     int
	closed atomic.Bool
}

func newTCPConn(fd int, remote netip.AddrPort) *TCPConn {
	return &TCPConn{fd: fd, local: localAddr(fd), remote: remote}
}

// LocalAddr returns the local address.
func (c *TCPConn) LocalAddr() netip.AddrPort { return c.local }

// RemoteAddr returns the peer's address.
func (c *TCPConn) RemoteAddr() netip.AddrPort { return c.remote }

// FD returns the socket.
func (c *TCPConn) FD() int { return c.fd }

// CloseWrite shuts down the sending side, so the peer reads EOF.
func (c *TCPConn) CloseWrite() error {
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}

// Close closes the socket. Pending Read and Write awaitables must be
// cancelled first, since closing does not wake them.
func (c *TCPConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}

// Read returns an awaitable completing with the number of bytes read into
// p, at least one, or failing with io.EOF once the peer closed.
func (c *TCPConn) Read(p []byte) *ReadFuture {
	return &ReadFuture{c: c, p: p}
}

// ReadFuture is the awaitable behind TCPConn.Read.
type ReadFuture struct {
	c     *TCPConn
	ready *Readiness
	p     []byte
}

func (f *ReadFuture) Resume(cx *Context) Outcome[int] {
	if len(f.p) == 0 {
		return Complete(0)
	}
	for {
		if f.ready != nil {
			if o := f.ready.Resume(cx); o.Kind() != OutcomeCompleted {
				return Forward[int](o)
			}
			f.ready = nil
		}
		if f.c.closed.Load() {
			return Fail[int](net.ErrClosed)
		}
		n, err := unix.Read(f.c.fd, f.p)
		switch {
		case err == nil && n == 0:
			return Fail[int](io.EOF)
		case err == nil:
			return Complete(n)
		case errors.Is(err, unix.EAGAIN):
			f.ready = ReadReady(f.c.fd)
		case errors.Is(err, unix.EINTR):
		default:
			return Fail[int](fmt.Errorf("cycle: read: %w", err))
		}
	}
}

// Cancel retracts the pending readiness registration, if any.
func (f *ReadFuture) Cancel() {
	if f.ready != nil {
		f.ready.Cancel()
		f.ready = nil
	}
}

// Write returns an awaitable writing all of p, completing with len(p).
func (c *TCPConn) Write(p []byte) *WriteFuture {
	return &WriteFuture{c: c, p: p}
}

// WriteFuture is the awaitable behind TCPConn.Write. A failed write may
// have sent part of the buffer, reported by Written.
type WriteFuture struct {
	c       *TCPConn
	ready   *Readiness
	p       []byte
	written int
}

func (f *WriteFuture) Resume(cx *Context) Outcome[int] {
	for f.written < len(f.p) {
		if f.ready != nil {
			if o := f.ready.Resume(cx); o.Kind() != OutcomeCompleted {
				return Forward[int](o)
			}
			f.ready = nil
		}
		if f.c.closed.Load() {
			return Fail[int](net.ErrClosed)
		}
		n, err := unix.Write(f.c.fd, f.p[f.written:])
		switch {
		case err == nil:
			f.written += n
		case errors.Is(err, unix.EAGAIN):
			f.ready = WriteReady(f.c.fd)
		case errors.Is(err, unix.EINTR):
		default:
			return Fail[int](fmt.Errorf("cycle: write: %w", err))
		}
	}
	return Complete(f.written)
}

// Written returns the number of bytes written so far.
func (f *WriteFuture) Written() int { return f.written }

// Cancel retracts the pending readiness registration, if any.
func (f *WriteFuture) Cancel() {
	if f.ready != nil {
		f.ready.Cancel()
		f.ready = nil
	}
}

// DialTCP returns an awaitable connecting to a literal address, see
// ParseTCPAddr.
func DialTCP(address string) *DialFuture {
	return &DialFuture{address: address, fd: -1}
}

// DialFuture is the awaitable behind DialTCP.
type DialFuture struct {
	ready   *Readiness
	address string
	remote  netip.AddrPort
	fd      int
}

func (f *DialFuture) Resume(cx *Context) Outcome[*TCPConn] {
	if f.fd < 0 {
		ap, err := ParseTCPAddr(f.address)
		if err != nil {
			return Fail[*TCPConn](err)
		}
		sa, domain := toSockaddr(ap)
		fd, err := newStreamSocket(domain)
		if err != nil {
			return Fail[*TCPConn](fmt.Errorf("cycle: dial %s: socket: %w", ap, err))
		}
		f.fd, f.remote = fd, ap
		switch err := unix.Connect(fd, sa); {
		case err == nil:
			return f.connected()
		case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
			f.ready = WriteReady(fd)
		default:
			return f.fail(err)
		}
	}
	if f.ready != nil {
		if o := f.ready.Resume(cx); o.Kind() != OutcomeCompleted {
			if o.Kind() != OutcomeSuspended {
				f.Cancel()
			}
			return Forward[*TCPConn](o)
		}
		f.ready = nil
	}
	errno, err := unix.GetsockoptInt(f.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	switch {
	case err != nil:
		return f.fail(err)
	case errno != 0:
		return f.fail(unix.Errno(errno))
	default:
		return f.connected()
	}
}

func (f *DialFuture) connected() Outcome[*TCPConn] {
	c := newTCPConn(f.fd, f.remote)
	f.fd = -1
	return Complete(c)
}

func (f *DialFuture) fail(err error) Outcome[*TCPConn] {
	_ = unix.Close(f.fd)
	f.fd = -1
	return Fail[*TCPConn](fmt.Errorf("cycle: dial %s: %w", f.remote, err))
}

// Cancel retracts the pending connect, closing its socket.
func (f *DialFuture) Cancel() {
	if f.ready != nil {
		f.ready.Cancel()
		f.ready = nil
	}
	if f.fd >= 0 {
		_ = unix.Close(f.fd)
		f.fd = -1
	}
}
