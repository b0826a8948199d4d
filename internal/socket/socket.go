// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package socket wraps a raw, non-blocking TCP file descriptor the way
// the worker's stream state machines need it: syscall-level Read/Write
// that surface EAGAIN as iox.ErrWouldBlock (the same sentinel package
// ring and package framing use), plus the half-close and abortive-close
// primitives the stream pair needs (CloseRead, CloseWrite, SetLinger0).
// Sockets are talked to via unix.Read/unix.Write on the raw fd rather
// than through net.Conn's blocking Read/Write.
package socket

import (
	"net"
	"os"

	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Socket is a non-blocking TCP connection identified by its raw fd.
type Socket struct {
	fd          int
	file        *os.File // retained only to keep the duplicated fd alive
	local       *net.TCPAddr
	remote      *net.TCPAddr
	readClosed  bool
	wroteClosed bool
}

// FromTCPConn duplicates conn's fd, puts the duplicate in non-blocking
// mode, and closes the original net.TCPConn (the duplicate outlives it).
func FromTCPConn(conn *net.TCPConn) (*Socket, error) {
	local, _ := conn.LocalAddr().(*net.TCPAddr)
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)

	raw, err := conn.File()
	if err != nil {
		return nil, errors.Wrap(err, "socket: dup fd")
	}
	// conn.File() already duplicates in blocking mode; close the original.
	conn.Close()

	fd := int(raw.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "socket: set nonblock")
	}

	return &Socket{fd: fd, file: raw, local: local, remote: remote}, nil
}

// FromListenerFd wraps an fd accepted directly via unix.Accept4 or
// finalized by the Connector (neither builds a net.Conn, avoiding a
// second dup per socket). A nil local is resolved from the fd, which a
// connected socket only knows after finishConnect.
func FromListenerFd(fd int, local, remote *net.TCPAddr) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "socket: set nonblock")
	}
	if local == nil {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			return nil, errors.Wrap(err, "socket: getsockname")
		}
		local = sockaddrToTCPAddr(sa)
	}
	return &Socket{fd: fd, local: local, remote: remote}, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, s.Addr[:])
		return &net.TCPAddr{IP: ip, Port: s.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, s.Addr[:])
		return &net.TCPAddr{IP: ip, Port: s.Port}
	default:
		return &net.TCPAddr{}
	}
}

// Fd returns the underlying file descriptor, for Poller registration.
func (s *Socket) Fd() int { return s.fd }

func (s *Socket) LocalAddr() *net.TCPAddr  { return s.local }
func (s *Socket) RemoteAddr() *net.TCPAddr { return s.remote }

// Read implements io.Reader semantics with EAGAIN mapped to
// iox.ErrWouldBlock; a ready socket returning zero bytes is the orderly
// half-close signal ReadStream acts on.
func (s *Socket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, iox.ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil // caller distinguishes orderly EOF (0 on a ready socket) itself
	}
	return n, nil
}

// Write implements io.Writer semantics with EAGAIN mapped to
// iox.ErrWouldBlock, matching WriteStream's direct-write attempt.
func (s *Socket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, iox.ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// CloseRead shuts down the input half.
func (s *Socket) CloseRead() error {
	s.readClosed = true
	err := unix.Shutdown(s.fd, unix.SHUT_RD)
	return wrapShutdownErr(err)
}

// CloseWrite shuts down the output half.
func (s *Socket) CloseWrite() error {
	s.wroteClosed = true
	err := unix.Shutdown(s.fd, unix.SHUT_WR)
	return wrapShutdownErr(err)
}

func wrapShutdownErr(err error) error {
	if err == unix.ENOTCONN {
		return nil
	}
	return err
}

// BothHalvesClosed reports whether both CloseRead and CloseWrite have
// been called, the signal the stream pair uses to decide it's time to
// Close.
func (s *Socket) BothHalvesClosed() bool { return s.readClosed && s.wroteClosed }

// SetLinger0 arranges for Close to send an immediate RST instead of
// performing an orderly FIN/ACK close, used for the abortive closes on
// I/O errors and ABORT/RESET.
func (s *Socket) SetLinger0() error {
	return unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
}

// Close closes the socket outright.
func (s *Socket) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return unix.Close(s.fd)
}
