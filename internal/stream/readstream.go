// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stream

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/tcpbridge/internal/poller"
)

// ReadStream owns the network→application direction of a connection.
// One exists per accepted or connected socket.
type ReadStream struct {
	conn Conn
	key  InterestKey
	sink DataSink

	streamID uint64

	// readableBytes is signed; -1 is the EOF sentinel.
	readableBytes int64
	readPadding   uint16
	readGroupID   uint64

	throttle      ThrottleSink
	resetRequired bool

	closed bool

	onFullClose func()
}

// NewReadStream builds a ReadStream with zero initial credit; the first
// WINDOW frame from the consumer (via OnWindow) arms it.
func NewReadStream(streamID uint64, conn Conn, key InterestKey, sink DataSink, onFullClose func()) *ReadStream {
	return &ReadStream{
		conn:        conn,
		key:         key,
		sink:        sink,
		streamID:    streamID,
		onFullClose: onFullClose,
	}
}

// SetCorrelatedThrottle attaches the reverse channel used to send RESET
// when this stream fails before a counterpart had been correlated. If a
// RESET was latched while uncorrelated, it fires immediately.
func (rs *ReadStream) SetCorrelatedThrottle(t ThrottleSink) {
	rs.throttle = t
	if rs.resetRequired && t != nil {
		rs.resetRequired = false
		_ = t.SendReset()
	}
}

// OnReadable is the Poller trigger for OP_READ. scratch is the worker's
// shared per-tick buffer; the emitted DATA frame is encoded over the
// same bytes (zero copy).
func (rs *ReadStream) OnReadable(scratch []byte) int {
	return rs.tryRead(scratch)
}

func (rs *ReadStream) tryRead(scratch []byte) int {
	if rs.closed || rs.readableBytes < 0 {
		return 0
	}

	budget := rs.readableBytes - int64(rs.readPadding)
	if budget <= 0 {
		rs.key.Clear(poller.OpRead)
		return 0
	}
	if budget > int64(len(scratch)) {
		budget = int64(len(scratch))
	}

	n, err := rs.conn.Read(scratch[:budget])
	switch {
	case err == iox.ErrWouldBlock:
		return 0
	case err != nil:
		rs.onReadError()
		return 1
	case n == 0:
		rs.onOrderlyClose()
		return 1
	default:
		rs.onDataRead(scratch[:n])
		return 1
	}
}

func (rs *ReadStream) onDataRead(p []byte) {
	rs.readableBytes -= int64(len(p)) + int64(rs.readPadding)
	if rs.readableBytes < 0 {
		rs.readableBytes = 0
	}
	_ = rs.sink.SendData(p, false, rs.readGroupID, rs.readPadding)
	if rs.readableBytes <= int64(rs.readPadding) {
		rs.key.Clear(poller.OpRead)
	}
}

func (rs *ReadStream) onOrderlyClose() {
	rs.readableBytes = -1
	rs.closed = true
	_ = rs.sink.SendEnd()
	rs.key.Clear(poller.OpRead)
	_ = rs.conn.CloseRead()
	if rs.conn.BothHalvesClosed() {
		rs.close()
	}
}

func (rs *ReadStream) onReadError() {
	rs.closed = true
	_ = rs.sink.SendAbort()
	rs.key.Clear(poller.OpRead)
	if rs.throttle != nil {
		_ = rs.throttle.SendReset()
	} else {
		rs.resetRequired = true
	}
	_ = rs.conn.SetLinger0()
	rs.close()
}

// OnWindow handles a WINDOW frame granting read credit. scratch lets a
// newly-credited stream attempt a read immediately rather than waiting
// for the next tick.
func (rs *ReadStream) OnWindow(credit int32, padding int32, groupID uint64, scratch []byte) {
	if rs.closed {
		return
	}
	rs.readableBytes += int64(credit)
	rs.readPadding = uint16(padding)
	rs.readGroupID = groupID

	if rs.readableBytes > int64(rs.readPadding) {
		rs.key.Register(poller.OpRead)
		rs.tryRead(scratch)
	} else {
		rs.key.Clear(poller.OpRead)
	}
}

// OnReset handles a RESET frame arriving on this stream's throttle
// input.
func (rs *ReadStream) OnReset() {
	if rs.closed {
		return
	}
	if rs.throttle == nil {
		rs.closed = true
		_ = rs.conn.SetLinger0()
		rs.close()
		return
	}
	rs.closed = true
	rs.key.Clear(poller.OpRead)
	_ = rs.conn.CloseRead()
	if rs.conn.BothHalvesClosed() {
		rs.close()
	}
}

func (rs *ReadStream) close() {
	_ = rs.conn.Close()
	if rs.onFullClose != nil {
		rs.onFullClose()
	}
}

// Closed reports whether the stream has reached a terminal state.
func (rs *ReadStream) Closed() bool { return rs.closed }
