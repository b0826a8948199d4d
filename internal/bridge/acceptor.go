// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bridge wires Poller, ReadStream/WriteStream, route.Table, and
// the wire codec into the single-threaded worker: Acceptor, Connector,
// the stream factories, and the event loop that owns them all.
package bridge

import (
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpbridge/internal/poller"
)

// AcceptHandler is invoked once per accepted connection with the raw,
// already non-blocking fd and the resolved addresses. Route lookup by
// remote-address filter is the caller's job, not the Acceptor's: a
// single listener is shared by every server route bound to the same
// local address.
type AcceptHandler func(fd int, local, remote *net.TCPAddr)

type listenSocket struct {
	fd    int
	file  *os.File
	key   *poller.Key
	local *net.TCPAddr
	bound bool
}

// Acceptor binds one listening socket per distinct local address across
// server-role routes and enforces the connection cap by
// unbinding/rebinding OP_ACCEPT across all of them together.
type Acceptor struct {
	p       *poller.Poller
	handler AcceptHandler

	mu        sync.Mutex
	listeners map[string]*listenSocket
}

// NewAcceptor creates an Acceptor. handler is called synchronously from
// within Poller.Tick whenever a connection is accepted.
func NewAcceptor(p *poller.Poller, handler AcceptHandler) *Acceptor {
	return &Acceptor{p: p, handler: handler, listeners: make(map[string]*listenSocket)}
}

// Bind opens (or reuses) a listening socket for addr.
func (a *Acceptor) Bind(addr *net.TCPAddr) error {
	key := addr.String()

	a.mu.Lock()
	_, exists := a.listeners[key]
	a.mu.Unlock()
	if exists {
		return nil
	}

	tl, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "bridge: listen %s", addr)
	}
	// addr may carry port 0; keep the resolved address so accepted
	// connections report the port actually bound.
	resolved, _ := tl.Addr().(*net.TCPAddr)
	if resolved == nil {
		resolved = addr
	}
	raw, err := tl.File()
	if err != nil {
		tl.Close()
		return errors.Wrap(err, "bridge: dup listener fd")
	}
	tl.Close()

	fd := int(raw.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		raw.Close()
		return errors.Wrap(err, "bridge: set nonblock")
	}

	ls := &listenSocket{fd: fd, file: raw, local: resolved, bound: true}
	pk, err := a.p.Register(fd, raw, poller.OpAccept, func(poller.Interest) int {
		return a.onAcceptReady(ls)
	})
	if err != nil {
		raw.Close()
		return errors.Wrap(err, "bridge: register listener")
	}
	ls.key = pk

	a.mu.Lock()
	a.listeners[key] = ls
	a.mu.Unlock()
	return nil
}

// onAcceptReady accepts exactly one connection per tick per listener,
// so one busy listener cannot starve the others.
func (a *Acceptor) onAcceptReady(ls *listenSocket) int {
	nfd, sa, err := unix.Accept4(ls.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return 0
	}
	a.handler(nfd, ls.local, sockaddrToTCPAddr(sa))
	return 1
}

// Close tears down the listener for addr outright, used when the last
// server route referencing that local address is unrouted. A no-op when
// no listener is bound there.
func (a *Acceptor) Close(addr *net.TCPAddr) {
	key := addr.String()

	a.mu.Lock()
	ls, ok := a.listeners[key]
	if ok {
		delete(a.listeners, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	ls.key.Cancel(0)
	if ls.file != nil {
		ls.file.Close()
	} else {
		unix.Close(ls.fd)
	}
}

// Unbind cancels OP_ACCEPT on every listener, logically unbinding them
// while the connection cap holds.
func (a *Acceptor) Unbind() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ls := range a.listeners {
		if ls.bound {
			ls.key.Clear(poller.OpAccept)
			ls.bound = false
		}
	}
}

// Rebind re-arms OP_ACCEPT on every listener previously disarmed by
// Unbind.
func (a *Acceptor) Rebind() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ls := range a.listeners {
		if !ls.bound {
			ls.key.Register(poller.OpAccept)
			ls.bound = true
		}
	}
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
