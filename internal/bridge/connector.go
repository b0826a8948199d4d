// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpbridge/internal/poller"
)

// Connector initiates outbound, non-blocking TCP connections for
// client-role streams and finalizes them once OP_CONNECT fires.
type Connector struct {
	p *poller.Poller
}

// NewConnector creates a Connector bound to p.
func NewConnector(p *poller.Poller) *Connector {
	return &Connector{p: p}
}

// Connect opens a non-blocking socket to addr. onResult is called
// exactly once, synchronously from a future Poller.Tick, with either
// the connected fd or the failure.
func (c *Connector) Connect(addr *net.TCPAddr, onResult func(fd int, err error)) error {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return errors.Wrap(err, "bridge: socket")
	}

	sa := tcpAddrToSockaddr(addr, domain)
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return errors.Wrap(err, "bridge: connect")
	}

	var key *poller.Key
	key, err = c.p.Register(fd, nil, poller.OpConnect, func(poller.Interest) int {
		key.Cancel(poller.OpConnect)
		finishConnect(fd, onResult)
		return 1
	})
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "bridge: register connecting socket")
	}
	return nil
}

func finishConnect(fd int, onResult func(fd int, err error)) {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(fd)
		onResult(-1, err)
		return
	}
	if errno != 0 {
		unix.Close(fd)
		onResult(-1, unix.Errno(errno))
		return
	}
	onResult(fd, nil)
}

func tcpAddrToSockaddr(addr *net.TCPAddr, domain int) unix.Sockaddr {
	if domain == unix.AF_INET6 {
		var a [16]byte
		copy(a[:], addr.IP.To16())
		return &unix.SockaddrInet6{Port: addr.Port, Addr: a}
	}
	var a [4]byte
	copy(a[:], addr.IP.To4())
	return &unix.SockaddrInet4{Port: addr.Port, Addr: a}
}
