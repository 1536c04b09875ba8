package relaytcp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// rawConn is the non-blocking byte-stream primitive the framer and engine
// drive: send/recv report ErrWouldBlock instead of blocking, the way this
// protocol's cooperative tick loop needs. *socket is the production
// implementation; tests substitute a fake to exercise the framer and engine
// without a real kernel socket.
type rawConn interface {
	send(b []byte) (int, error)
	recv(b []byte) (int, error)
	close() error
}

// socket is the non-blocking stream socket driver of §4.1. It wraps a raw
// fd directly instead of net.Conn because net.Conn has no operation that
// reports "nothing to send/receive yet" without blocking — exactly the
// primitive this protocol's cooperative tick loop needs. The pattern is
// grounded the way the rest of the corpus does low-level non-blocking
// connects: golang.org/x/sys/unix sockets with EINPROGRESS/EAGAIN treated
// as "not yet", not as failure.
type socket struct {
	fd     int
	closed bool
}

// dialSocket creates a non-blocking stream socket for the address family of
// addr and starts connecting to it. Per §4.1 the connect is expected to
// return "in progress"; it is not an error and is not waited on here — the
// handshake sends (first in New, then on CONNECTING ticks) discover
// completion implicitly,
// exactly as do_TCP_connection does in the original.
func dialSocket(addr *net.TCPAddr) (*socket, error) {
	var domain int
	switch {
	case addr.IP.To4() != nil:
		domain = unix.AF_INET
	case addr.IP.To16() != nil:
		domain = unix.AF_INET6
	default:
		return nil, fmt.Errorf("%w: unsupported address family for %s", ErrInvalidConfig, addr)
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrSocketFatal, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: set nonblock: %v", ErrSocketFatal, err)
	}

	sa, err := sockaddrFor(addr, domain)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS && err != unix.EALREADY {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: connect: %v", ErrSocketFatal, err)
	}

	return &socket{fd: fd}, nil
}

func sockaddrFor(addr *net.TCPAddr, domain int) (unix.Sockaddr, error) {
	switch domain {
	case unix.AF_INET:
		var a [4]byte
		copy(a[:], addr.IP.To4())
		return &unix.SockaddrInet4{Port: addr.Port, Addr: a}, nil
	case unix.AF_INET6:
		var a [16]byte
		copy(a[:], addr.IP.To16())
		return &unix.SockaddrInet6{Port: addr.Port, Addr: a}, nil
	default:
		return nil, fmt.Errorf("%w: unknown address family", ErrInvalidConfig)
	}
}

// send writes b and reports how many bytes were actually accepted by the
// kernel. A return of (0, ErrWouldBlock) means the socket has no room right
// now; the caller must retry the same bytes later. Any other error is
// fatal and terminal for the engine.
func (s *socket) send(b []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("%w: send on closed socket", ErrSocketFatal)
	}
	n, err := unix.Write(s.fd, b)
	if err == nil {
		return n, nil
	}
	if isWouldBlock(err) {
		return 0, ErrWouldBlock
	}
	return 0, fmt.Errorf("%w: send: %v", ErrSocketFatal, err)
}

// recv reads into b and reports how many bytes were available. A return of
// (0, ErrWouldBlock) means nothing is available right now. A clean peer
// close surfaces as ErrSocketFatal, since a relay session never has a
// meaningful "read side closed, write side open" half-state (§1: no
// plaintext fallback, no partial session survives a transport error).
func (s *socket) recv(b []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("%w: recv on closed socket", ErrSocketFatal)
	}
	n, err := unix.Read(s.fd, b)
	if err != nil {
		if isWouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("%w: recv: %v", ErrSocketFatal, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: recv: connection closed by peer", ErrSocketFatal)
	}
	return n, nil
}

func (s *socket) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINPROGRESS || err == unix.EALREADY
}
