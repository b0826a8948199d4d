// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package poller

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestPollerDispatchesReadReadiness(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	fired := false
	_, err = p.Register(fds[0], nil, OpRead, func(ready Interest) int {
		if ready&OpRead != 0 {
			fired = true
		}
		return 1
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	work, err := p.Tick(int64(1e9))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !fired {
		t.Fatalf("handler did not fire")
	}
	if work != 1 {
		t.Fatalf("workDone = %d, want 1", work)
	}
}

func TestKeyClearTakesEffectNextTick(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	unix.SetNonblock(fds[0], true)

	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	calls := 0
	var key *Key
	key, err = p.Register(fds[0], nil, OpRead, func(ready Interest) int {
		calls++
		key2 := key // captured below
		_ = key2
		return 0
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	unix.Write(fds[1], []byte("x"))
	p.Tick(int64(1e9))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	key.Clear(OpRead)
	// The handler never read "x", so the fd is still readable. Clear is
	// applied at the start of the next Tick, before polling; neither the
	// unread "x" nor a newly written "y" may fire the handler after that.
	p.Tick(0)
	unix.Write(fds[1], []byte("y"))
	p.Tick(int64(1e6))
	if calls != 1 {
		t.Fatalf("calls = %d after clear, want still 1", calls)
	}
}
