// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ring implements the shared-memory ring buffer substrate the
// bridge's conduits ride on: a single-producer/single-consumer,
// byte-oriented queue with a known-length framed record protocol (the
// framed records themselves are package wire's concern).
//
// The TCP worker is sole producer on its outbound rings and sole
// consumer on its inbound rings. A mutex guards every operation, so
// Close and Len are also safe from another goroutine (a diagnostics
// goroutine, say).
//
// Read/Write return iox.ErrWouldBlock instead of parking a goroutine:
// the worker must never block outside Poller.Tick.
package ring

import (
	"io"
	"os"
	"sync"

	"code.hybscloud.com/iox"
)

// Ring is a fixed-capacity circular byte buffer. It implements io.Reader
// and io.Writer so it can be wrapped directly by a framing.Engine.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	size int64
	head int64 // next absolute write position
	tail int64 // oldest absolute position still buffered

	closed bool

	// file, when non-nil, is the ring's persisted backing store. Bytes
	// are mirrored to it as they are produced so the ring's content is
	// recoverable after a restart; this module never deletes the file,
	// its lifecycle is externally managed.
	file   *os.File
	offset int64 // file write offset, monotonically increasing
}

// New creates an in-memory ring of the given capacity, which must be a
// power of two.
func New(capacity int) *Ring {
	return &Ring{buf: make([]byte, capacity), size: int64(capacity)}
}

// Open creates a ring backed by a file at path, truncating or creating it.
// The file grows monotonically as bytes are produced; nothing is ever
// deleted from it.
func Open(path string, capacity int) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	r := New(capacity)
	r.file = f
	return r, nil
}

// Read implements io.Reader. It never blocks: when the ring is empty it
// returns (0, iox.ErrWouldBlock) rather than waiting for a producer.
func (r *Ring) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == r.tail {
		if r.closed {
			return 0, io.EOF
		}
		return 0, iox.ErrWouldBlock
	}

	avail := r.head - r.tail
	n := int64(len(p))
	if n > avail {
		n = avail
	}
	start := r.tail % r.size
	if start+n <= r.size {
		copy(p, r.buf[start:start+n])
	} else {
		first := r.size - start
		copy(p, r.buf[start:])
		copy(p[first:], r.buf[:n-first])
	}
	r.tail += n
	return int(n), nil
}

// Write implements io.Writer. It never blocks: when the ring has
// insufficient room for the whole message it returns
// (0, iox.ErrWouldBlock) so the caller (the message encoder) can retry
// once space frees up.
//
// Unlike a plain circular buffer, Write is all-or-nothing: partially
// writing a framed record would corrupt the record boundary a
// single-consumer reader depends on.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if int64(len(p)) > r.available() {
		return 0, iox.ErrWouldBlock
	}

	start := r.head % r.size
	n := int64(len(p))
	if start+n <= r.size {
		copy(r.buf[start:], p)
	} else {
		first := r.size - start
		copy(r.buf[start:], p[:first])
		copy(r.buf[:], p[first:])
	}
	r.head += n

	if r.file != nil {
		if _, err := r.file.WriteAt(p, r.offset); err == nil {
			r.offset += n
		}
	}

	return len(p), nil
}

func (r *Ring) available() int64 {
	return r.size - (r.head - r.tail)
}

// Len reports bytes currently buffered (unread).
func (r *Ring) Len() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head - r.tail
}

// Close marks the ring closed: pending reads drain normally, further reads
// once empty return io.EOF, and writes return io.ErrClosedPipe.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
