// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stream

import (
	"errors"
	"testing"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/tcpbridge/internal/poller"
)

// fakeConn is a Conn double driven entirely by test setup, no real fd.
type fakeConn struct {
	readQueue   [][]byte
	readErr     error
	writeErr    error
	writeCap    int // max bytes accepted per Write call; 0 = unlimited
	written     []byte
	readClosed  bool
	wroteClosed bool
	closed      bool
	lingered    bool
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		return 0, err
	}
	if len(f.readQueue) == 0 {
		return 0, iox.ErrWouldBlock
	}
	chunk := f.readQueue[0]
	f.readQueue = f.readQueue[1:]
	n := copy(p, chunk)
	return n, nil
}

func (f *fakeConn) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		err := f.writeErr
		f.writeErr = nil
		return 0, err
	}
	n := len(p)
	if f.writeCap > 0 && n > f.writeCap {
		n = f.writeCap
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func (f *fakeConn) CloseRead() error       { f.readClosed = true; return nil }
func (f *fakeConn) CloseWrite() error      { f.wroteClosed = true; return nil }
func (f *fakeConn) BothHalvesClosed() bool { return f.readClosed && f.wroteClosed }
func (f *fakeConn) SetLinger0() error      { f.lingered = true; return nil }
func (f *fakeConn) Close() error           { f.closed = true; return nil }

type fakeKey struct {
	interest poller.Interest
}

func (k *fakeKey) Register(op poller.Interest) { k.interest |= op }
func (k *fakeKey) Clear(op poller.Interest)    { k.interest &^= op }

type fakeSink struct {
	dataCount  int
	lastData   []byte
	endSent    bool
	abortSent  bool
	windows    []int32
	resetCount int
}

func (s *fakeSink) SendData(p []byte, fin bool, groupID uint64, padding uint16) error {
	s.dataCount++
	s.lastData = append([]byte(nil), p...)
	return nil
}
func (s *fakeSink) SendEnd() error   { s.endSent = true; return nil }
func (s *fakeSink) SendAbort() error { s.abortSent = true; return nil }

func (s *fakeSink) SendWindow(credit int32, padding int32, groupID uint64) error {
	s.windows = append(s.windows, credit)
	return nil
}
func (s *fakeSink) SendReset() error { s.resetCount++; return nil }

func TestReadStreamEmitsDataAndDecrementsCredit(t *testing.T) {
	conn := &fakeConn{readQueue: [][]byte{[]byte("hello")}}
	key := &fakeKey{}
	sink := &fakeSink{}
	rs := NewReadStream(1, conn, key, sink, nil)

	rs.OnWindow(100, 2, 7, make([]byte, 64))

	if sink.dataCount != 1 || string(sink.lastData) != "hello" {
		t.Fatalf("expected one DATA frame with payload hello, got %+v", sink)
	}
	// 100 credit - (5 bytes + 2 padding) = 93
	if rs.readableBytes != 93 {
		t.Fatalf("readableBytes = %d, want 93", rs.readableBytes)
	}
}

func TestReadStreamClearsReadWhenCreditBelowPadding(t *testing.T) {
	conn := &fakeConn{readQueue: [][]byte{[]byte("ab")}}
	key := &fakeKey{}
	sink := &fakeSink{}
	rs := NewReadStream(1, conn, key, sink, nil)

	rs.OnWindow(4, 4, 0, make([]byte, 64))

	if key.interest&poller.OpRead != 0 {
		t.Fatalf("expected OP_READ cleared once remaining credit <= padding")
	}
}

func TestReadStreamOrderlyCloseEmitsEnd(t *testing.T) {
	conn := &fakeConn{readQueue: [][]byte{{}}} // first Read returns 0 bytes, nil err
	key := &fakeKey{}
	sink := &fakeSink{}
	closed := false
	rs := NewReadStream(1, conn, key, sink, func() { closed = true })
	rs.readableBytes = 10

	rs.OnReadable(make([]byte, 16))

	if !sink.endSent {
		t.Fatalf("expected END frame on orderly close")
	}
	if rs.readableBytes != -1 {
		t.Fatalf("expected readableBytes = -1 sentinel, got %d", rs.readableBytes)
	}
	if !conn.readClosed {
		t.Fatalf("expected input half shut down")
	}
	if conn.closed {
		t.Fatalf("socket should stay open until the write half also closes")
	}
	if closed {
		t.Fatalf("onFullClose should not fire until both halves are shut down")
	}
}

func TestReadStreamIOErrorEmitsAbortAndResetsThrottle(t *testing.T) {
	conn := &fakeConn{readErr: errors.New("connection reset by peer")}
	key := &fakeKey{}
	sink := &fakeSink{}
	throttle := &fakeSink{}
	rs := NewReadStream(1, conn, key, sink, nil)
	rs.readableBytes = 10
	rs.SetCorrelatedThrottle(throttle)

	rs.OnReadable(make([]byte, 16))

	if !sink.abortSent {
		t.Fatalf("expected ABORT frame on read error")
	}
	if throttle.resetCount != 1 {
		t.Fatalf("expected one RESET on correlated throttle, got %d", throttle.resetCount)
	}
	if !conn.lingered || !conn.closed {
		t.Fatalf("expected abortive close")
	}
}

func TestReadStreamLatchesResetWhenUncorrelated(t *testing.T) {
	conn := &fakeConn{readErr: errors.New("boom")}
	key := &fakeKey{}
	sink := &fakeSink{}
	rs := NewReadStream(1, conn, key, sink, nil)
	rs.readableBytes = 10

	rs.OnReadable(make([]byte, 16))
	if !rs.resetRequired {
		t.Fatalf("expected resetRequired latched while uncorrelated")
	}

	throttle := &fakeSink{}
	rs.SetCorrelatedThrottle(throttle)
	if throttle.resetCount != 1 {
		t.Fatalf("expected latched RESET to fire once correlated")
	}
}

func TestWriteStreamDirectWriteEmitsWindow(t *testing.T) {
	conn := &fakeConn{}
	key := &fakeKey{}
	reverse := &fakeSink{}
	ws := NewWriteStream(2, conn, key, 4096, nil, nil)
	ws.Bind(reverse, nil)
	ws.OnWindow(10, 0, 0)

	ws.HandleData([]byte("abcde"))

	if string(conn.written) != "abcde" {
		t.Fatalf("expected direct write, got %q", conn.written)
	}
	if len(reverse.windows) != 1 || reverse.windows[0] != 6 {
		t.Fatalf("expected window grant of 6 (5 bytes + 1 padding unit), got %+v", reverse.windows)
	}
}

func TestWriteStreamPartialWriteDefersToFIFO(t *testing.T) {
	conn := &fakeConn{writeCap: 2}
	key := &fakeKey{}
	reverse := &fakeSink{}
	ws := NewWriteStream(2, conn, key, 4096, nil, nil)
	ws.Bind(reverse, nil)
	ws.OnWindow(100, 0, 0)

	ws.HandleData([]byte("abcdef"))

	if key.interest&poller.OpWrite == 0 {
		t.Fatalf("expected OP_WRITE registered after partial write")
	}
	if len(ws.fifo) != 4 {
		t.Fatalf("expected 4 bytes remaining in FIFO, got %d", len(ws.fifo))
	}
	if len(reverse.windows) != 0 {
		t.Fatalf("no WINDOW may be emitted while bytes sit in the FIFO, got %+v", reverse.windows)
	}

	conn.writeCap = 0 // let OnWritable drain everything
	ws.OnWritable()

	if len(ws.fifo) != 0 {
		t.Fatalf("expected FIFO drained")
	}
	if string(conn.written) != "abcdef" {
		t.Fatalf("expected full payload written, got %q", conn.written)
	}
	if len(reverse.windows) != 1 || reverse.windows[0] != 5 {
		t.Fatalf("expected one WINDOW of 5 (4 drained bytes + 1 padding unit), got %+v", reverse.windows)
	}
}

func TestWriteStreamOverflowSendsResetAndAborts(t *testing.T) {
	conn := &fakeConn{}
	key := &fakeKey{}
	reverse := &fakeSink{}
	overflowed := false
	ws := NewWriteStream(2, conn, key, 4096, func() { overflowed = true }, nil)
	ws.Bind(reverse, nil)
	ws.OnWindow(2, 0, 0)

	ws.HandleData([]byte("abcdef"))

	if !overflowed {
		t.Fatalf("expected overflow callback")
	}
	if reverse.resetCount != 1 {
		t.Fatalf("expected RESET on overflow")
	}
	if !ws.Closed() {
		t.Fatalf("expected stream closed after overflow")
	}
}

func TestWriteStreamEndDeferredUntilFIFODrains(t *testing.T) {
	conn := &fakeConn{writeCap: 0}
	key := &fakeKey{}
	reverse := &fakeSink{}
	ws := NewWriteStream(2, conn, key, 4096, nil, nil)
	ws.Bind(reverse, nil)
	ws.OnWindow(100, 0, 0)

	conn.writeErr = iox.ErrWouldBlock
	ws.HandleData([]byte("abc"))
	ws.HandleEnd()

	if conn.wroteClosed {
		t.Fatalf("END should be deferred while FIFO is non-empty")
	}

	ws.OnWritable()
	if !conn.wroteClosed {
		t.Fatalf("expected deferred END to fire once FIFO drains")
	}
}

func TestWriteStreamWriteErrorPropagatesAbortToPeer(t *testing.T) {
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	key := &fakeKey{}
	reverse := &fakeSink{}
	peer := &fakeSink{}
	ws := NewWriteStream(2, conn, key, 4096, nil, nil)
	ws.Bind(reverse, peer)
	ws.OnWindow(100, 0, 0)

	ws.HandleData([]byte("abc"))

	if !peer.abortSent {
		t.Fatalf("expected ABORT propagated to peer forward channel")
	}
	if reverse.resetCount != 1 {
		t.Fatalf("expected RESET on reverse channel")
	}
}
