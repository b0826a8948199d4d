// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package stream implements the ReadStream and WriteStream state
// machines: the per-connection, per-direction credit accounting that
// sits between a raw TCP socket and the framed ring protocol in package
// wire.
//
// The model is single-threaded and Poller-driven end to end: no
// blocking, no channels, every transition is a direct call made by the
// worker's dispatch loop. Credit bookkeeping is outstanding-window
// style — a bounded pending buffer drains to the socket, and a window
// grant goes back only once bytes are actually consumed.
package stream

import "code.hybscloud.com/tcpbridge/internal/poller"

// InterestKey is the slice of *poller.Key that a stream needs: toggling
// its own readiness bit. Package bridge holds the real *poller.Key for a
// connection and shares it with both directions of the pair, since
// one socket fd has exactly one epoll registration.
type InterestKey interface {
	Register(op poller.Interest)
	Clear(op poller.Interest)
}

// DataSink is a stream's forward channel: where it emits DATA/END/ABORT.
type DataSink interface {
	SendData(payload []byte, fin bool, groupID uint64, padding uint16) error
	SendEnd() error
	SendAbort() error
}

// ThrottleSink is a stream's reverse channel: where it emits WINDOW grants
// and RESET. ReadStream uses only SendReset on its correlated throttle;
// WriteStream uses both.
type ThrottleSink interface {
	SendWindow(credit int32, padding int32, groupID uint64) error
	SendReset() error
}

// writeWindowPaddingUnit is the fixed padding credit WriteStream grants
// on top of bytes actually drained, covering the producer's framing
// overhead.
const writeWindowPaddingUnit int32 = 1

// Conn is the socket surface both streams need. *socket.Socket satisfies
// it; tests use a fake that never touches a real fd.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseRead() error
	CloseWrite() error
	BothHalvesClosed() bool
	SetLinger0() error
	Close() error
}
