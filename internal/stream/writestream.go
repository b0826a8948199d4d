// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stream

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/tcpbridge/internal/poller"
)

// WriteStream owns the application→network direction of a connection.
// One exists per socket, paired with a ReadStream.
type WriteStream struct {
	conn Conn
	key  InterestKey

	streamID uint64

	reverse ThrottleSink // reverse channel: WINDOW grants + RESET
	peer    DataSink     // peer's forward channel, for ABORT on write failure

	writableBytes int64 // outstanding credit the peer has granted us
	padding       int32
	groupID       uint64

	fifo         []byte
	fifoCapacity int

	endDeferred bool
	resetSent   bool
	closed      bool

	onOverflow  func()
	onFullClose func()
}

// NewWriteStream builds a WriteStream with the given bounded FIFO
// capacity. reverse may be nil until correlation completes; a stream that
// failed (overflow, ABORT, I/O error) before that point sends the RESET it
// owes once Bind attaches the reverse channel, the same way
// ReadStream.resetRequired does.
func NewWriteStream(streamID uint64, conn Conn, key InterestKey, fifoCapacity int, onOverflow, onFullClose func()) *WriteStream {
	return &WriteStream{
		conn:         conn,
		key:          key,
		streamID:     streamID,
		fifoCapacity: fifoCapacity,
		onOverflow:   onOverflow,
		onFullClose:  onFullClose,
	}
}

// Bind attaches the reverse throttle channel and, once the reply stream
// exists, the peer's forward channel used to propagate ABORT on write
// failure.
func (ws *WriteStream) Bind(reverse ThrottleSink, peer DataSink) {
	ws.reverse = reverse
	ws.peer = peer
	if ws.closed && !ws.resetSent && reverse != nil {
		ws.resetSent = true
		_ = reverse.SendReset()
	}
}

// HandleData handles one DATA frame from the producer: direct write
// when nothing is pending, FIFO otherwise.
func (ws *WriteStream) HandleData(payload []byte) {
	if ws.closed {
		return
	}
	if int64(len(payload)) > ws.writableBytes {
		if ws.onOverflow != nil {
			ws.onOverflow()
		}
		ws.fail(false)
		return
	}
	// The FIFO bound backstops the credit check: a producer can only get
	// here past it by outrunning the window it was advertised.
	if len(ws.fifo)+len(payload) > ws.fifoCapacity {
		if ws.onOverflow != nil {
			ws.onOverflow()
		}
		ws.fail(false)
		return
	}
	ws.writableBytes -= int64(len(payload))

	if len(ws.fifo) > 0 {
		ws.enqueue(payload)
		return
	}

	n, err := ws.conn.Write(payload)
	switch {
	case err == iox.ErrWouldBlock:
		ws.enqueue(payload)
		ws.key.Register(poller.OpWrite)
	case err != nil:
		ws.onWriteError()
	case n == len(payload):
		ws.sendWindow(int32(n))
	default:
		// Partial write: no credit goes back until the remainder drains
		// through OnWritable.
		ws.enqueue(payload[n:])
		ws.key.Register(poller.OpWrite)
	}
}

func (ws *WriteStream) enqueue(p []byte) {
	ws.fifo = append(ws.fifo, p...)
}

func (ws *WriteStream) sendWindow(n int32) {
	credit := n + writeWindowPaddingUnit
	ws.writableBytes += int64(credit)
	if ws.reverse == nil {
		return
	}
	_ = ws.reverse.SendWindow(credit, ws.padding, ws.groupID)
}

// OnWritable is the Poller trigger for OP_WRITE.
func (ws *WriteStream) OnWritable() int {
	if ws.closed {
		return 0
	}
	if len(ws.fifo) == 0 {
		ws.key.Clear(poller.OpWrite)
		return 0
	}

	n, err := ws.conn.Write(ws.fifo)
	if err == iox.ErrWouldBlock {
		return 0
	}
	if err != nil {
		ws.onWriteError()
		return 1
	}

	ws.fifo = ws.fifo[n:]
	if n > 0 {
		ws.sendWindow(int32(n))
	}
	if len(ws.fifo) == 0 {
		ws.key.Clear(poller.OpWrite)
		if ws.endDeferred {
			ws.performEnd()
		}
	}
	return 1
}

// HandleEnd handles the orderly terminal frame; deferred while the
// FIFO still holds bytes.
func (ws *WriteStream) HandleEnd() {
	if ws.closed {
		return
	}
	if len(ws.fifo) == 0 {
		ws.performEnd()
	} else {
		ws.endDeferred = true
	}
}

func (ws *WriteStream) performEnd() {
	_ = ws.conn.CloseWrite()
	if ws.conn.BothHalvesClosed() {
		ws.close()
	}
}

// HandleAbort handles the abortive terminal frame.
func (ws *WriteStream) HandleAbort() {
	ws.fail(false)
}

// onWriteError treats an I/O failure as ABORT semantics plus
// propagating ABORT to the peer forward channel.
func (ws *WriteStream) onWriteError() {
	ws.fail(true)
}

func (ws *WriteStream) fail(notifyPeer bool) {
	if ws.closed {
		return
	}
	ws.closed = true
	ws.fifo = nil
	_ = ws.conn.SetLinger0()
	if ws.reverse != nil && !ws.resetSent {
		ws.resetSent = true
		_ = ws.reverse.SendReset()
	}
	if notifyPeer && ws.peer != nil {
		_ = ws.peer.SendAbort()
	}
	ws.close()
}

func (ws *WriteStream) close() {
	_ = ws.conn.Close()
	if ws.onFullClose != nil {
		ws.onFullClose()
	}
}

// OnWindow adds credit to the outstanding window accounting without
// emitting a WINDOW frame.
func (ws *WriteStream) OnWindow(credit int32, padding int32, groupID uint64) {
	ws.writableBytes += int64(credit)
	ws.padding = padding
	ws.groupID = groupID
}

// GrantInitialWindow advertises the stream's opening credit to the
// producer: the WINDOW frame every producer must see before its first
// DATA may flow.
func (ws *WriteStream) GrantInitialWindow(credit int32) {
	if ws.closed || credit <= 0 {
		return
	}
	ws.OnWindow(credit, ws.padding, ws.groupID)
	if ws.reverse != nil {
		_ = ws.reverse.SendWindow(credit, ws.padding, ws.groupID)
	}
}

// Closed reports whether the stream has reached a terminal state.
func (ws *WriteStream) Closed() bool { return ws.closed }
