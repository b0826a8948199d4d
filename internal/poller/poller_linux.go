// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package poller

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Poller is the single-threaded epoll event loop the worker owns.
// All methods except Tick may be called from any goroutine registering new
// sockets (Acceptor/Connector run on the worker goroutine too, so in
// practice everything happens on one goroutine); Tick must only ever be
// called from the worker goroutine.
type Poller struct {
	epfd int
	mu   sync.Mutex
	keys map[int]*Key

	events []unix.EpollEvent
}

// New creates a Poller backed by epoll_create1.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "poller: epoll_create1")
	}
	return &Poller{
		epfd:   fd,
		keys:   make(map[int]*Key),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

// Register subscribes fd for the given interest and returns its Key. file,
// if non-nil, is retained to keep the descriptor alive for the Key's
// lifetime (net.Conn.File() duplicates the fd, so callers that obtained fd
// this way must hold the *os.File themselves or pass it here).
func (p *Poller) Register(fd int, file *os.File, interest Interest, handler Handler) (*Key, error) {
	k := &Key{fd: fd, file: file, interest: interest, handler: handler, p: p}

	p.mu.Lock()
	_, existed := p.keys[fd]
	p.keys[fd] = k
	p.mu.Unlock()

	// Re-registering a live fd replaces its key: the Connector hands a
	// socket from its OP_CONNECT registration straight to the stream
	// pair's combined handler without an intervening tick.
	op := unix.EPOLL_CTL_ADD
	if existed {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.keys, fd)
		p.mu.Unlock()
		return nil, errors.Wrap(err, "poller: epoll_ctl")
	}
	return k, nil
}

func toEpollEvents(i Interest) uint32 {
	var ev uint32
	if i&(OpRead|OpAccept) != 0 {
		ev |= unix.EPOLLIN
	}
	if i&(OpWrite|OpConnect) != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) Interest {
	var i Interest
	if ev&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		i |= OpRead | OpAccept
	}
	if ev&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		i |= OpWrite | OpConnect
	}
	return i
}

// Tick polls once (blocking up to timeoutNanos, or indefinitely if
// negative, or returning immediately if zero) and dispatches each ready
// key's handler exactly once, summing their return values. A handler
// running during this tick sees a consistent interest set; any
// Register/Clear/Cancel call it makes only takes effect on the next
// Tick.
func (p *Poller) Tick(timeoutNanos int64) (workDone int, err error) {
	timeoutMillis := -1
	if timeoutNanos >= 0 {
		timeoutMillis = int(timeoutNanos / 1e6)
	}

	// Interest mutations made between ticks (the worker dispatches ring
	// frames after Tick returns) are picked up here, before polling.
	p.applyPending()

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "poller: epoll_wait")
	}

	// Snapshot the ready keys before dispatch so a handler mutating
	// p.keys (e.g. cancelling its own key) cannot disturb this loop.
	type ready struct {
		key   *Key
		event Interest
	}
	batch := make([]ready, 0, n)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if k, ok := p.keys[fd]; ok {
			batch = append(batch, ready{key: k, event: fromEpollEvents(p.events[i].Events)})
		}
	}
	p.mu.Unlock()

	for _, r := range batch {
		workDone += r.key.handler(r.event & r.key.interest)
	}

	// Apply interest changes and cancellations queued during dispatch.
	p.applyPending()

	return workDone, nil
}

func (p *Poller) applyPending() {
	p.mu.Lock()
	for fd, k := range p.keys {
		if k.cancelled {
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(p.keys, fd)
			continue
		}
		if k.pendingSet {
			k.interest = k.pending
			k.pendingSet = false
			ev := unix.EpollEvent{Events: toEpollEvents(k.interest), Fd: int32(fd)}
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		}
	}
	p.mu.Unlock()
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
