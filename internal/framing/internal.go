// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package framing

import (
	"encoding/binary"
	"io"
	"runtime"
	"time"
)

const (
	frameHeaderLen          = 1
	framePayloadMaxLen8Bits = 1<<8 - 3
	framePayloadMaxLen16    = 1<<16 - 1
	framePayloadMaxLen56    = 1<<56 - 1
)

// Engine implements the little-endian, length-prefixed framing state
// machine. One Engine wraps one direction (read-only or write-only) of
// one ring; package wire layers typed BEGIN/DATA/END/ABORT/WINDOW/RESET
// records on top of it. The ring substrate is a byte-oriented queue,
// never a boundary-preserving one, so the engine serves exactly one
// transport shape.
type Engine struct {
	rd io.Reader
	wr io.Writer

	readLimit  int64
	retryDelay time.Duration

	// stream state
	header [8]byte
	length int64  // payload length for current message
	offset int64  // bytes processed in (header+payload)
	buf    []byte // alloc'd payload buffer of current message, kept across would-block
}

// NewReadEngine wraps a ring's Read side.
func NewReadEngine(r io.Reader, opts ...Option) *Engine {
	return newEngine(r, nil, opts...)
}

// NewWriteEngine wraps a ring's Write side.
func NewWriteEngine(w io.Writer, opts ...Option) *Engine {
	return newEngine(nil, w, opts...)
}

func newEngine(r io.Reader, w io.Writer, opts ...Option) *Engine {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	return &Engine{
		rd:         r,
		wr:         w,
		readLimit:  int64(o.ReadLimit),
		retryDelay: o.RetryDelay,
	}
}

func (fr *Engine) reset() {
	fr.offset = 0
	fr.length = 0
	fr.buf = nil
}

func (fr *Engine) waitOnceOnWouldBlock() bool {
	// returns whether the caller should retry
	if fr.retryDelay < 0 {
		return false
	}
	if fr.retryDelay == 0 {
		runtime.Gosched()
		return true
	}
	time.Sleep(fr.retryDelay)
	return true
}

func (fr *Engine) readOnce(p []byte) (n int, err error) {
	for {
		n, err = fr.rd.Read(p)
		// Guard against broken Readers that violate the io.Reader contract by
		// returning (0, nil) on a non-empty buffer. Without this, the stream
		// state machine can spin indefinitely.
		if len(p) != 0 && n == 0 && err == nil {
			return 0, io.ErrNoProgress
		}
		if n > 0 {
			return n, err
		}
		if err != ErrWouldBlock {
			return n, err
		}
		if !fr.waitOnceOnWouldBlock() {
			return n, err
		}
	}
}

func (fr *Engine) writeOnce(p []byte) (n int, err error) {
	for {
		n, err = fr.wr.Write(p)
		if len(p) != 0 && n == 0 && err == nil {
			return 0, io.ErrShortWrite
		}
		if n > 0 {
			return n, err
		}
		if err != ErrWouldBlock {
			return n, err
		}
		if !fr.waitOnceOnWouldBlock() {
			return n, err
		}
	}
}

// ReadMessage reads one whole framed message's payload. alloc(length) must
// return a buffer of at least length bytes; it is called once per message,
// and the buffer is kept across calls that return ErrWouldBlock mid-payload.
// Callers on the hot read path
// hand back a view into the per-worker scratch buffer instead of
// allocating.
func (fr *Engine) ReadMessage(alloc func(length int) []byte) (payload []byte, err error) {
	if fr.rd == nil {
		return nil, ErrInvalidArgument
	}

	// 1) Read minimal header byte.
	for fr.offset < frameHeaderLen {
		rn, re := fr.readOnce(fr.header[fr.offset:frameHeaderLen])
		fr.offset += int64(rn)
		if re != nil {
			if re == io.EOF {
				if fr.offset == 0 {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, re
		}
	}

	// 2) Determine extended length bytes.
	exLen := int64(0)
	switch fr.header[0] {
	case framePayloadMaxLen8Bits + 1:
		exLen = 2
	case framePayloadMaxLen8Bits + 2:
		exLen = 7
	}

	// 3) Read extended length bytes (if any).
	for fr.offset < frameHeaderLen+exLen {
		rn, re := fr.readOnce(fr.header[fr.offset : frameHeaderLen+exLen])
		fr.offset += int64(rn)
		if re != nil {
			if re == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, re
		}
	}

	// 4) Parse payload length, little-endian.
	if exLen == 2 {
		fr.length = int64(binary.LittleEndian.Uint16(fr.header[frameHeaderLen : frameHeaderLen+exLen]))
	} else if exLen == 7 {
		fr.length = int64(binary.LittleEndian.Uint64(fr.header[:]) >> 8)
	} else {
		fr.length = int64(fr.header[0])
	}

	if fr.length < 0 || fr.length > framePayloadMaxLen56 {
		return nil, ErrTooLong
	}
	if fr.readLimit > 0 && fr.length > fr.readLimit {
		return nil, ErrTooLong
	}

	if fr.buf == nil {
		buf := alloc(int(fr.length))
		if int64(len(buf)) < fr.length {
			return nil, io.ErrShortBuffer
		}
		fr.buf = buf
	}
	p := fr.buf

	// 5) Read payload directly into p.
	hdrSize := frameHeaderLen + exLen
	for fr.offset < hdrSize+fr.length {
		payloadOff := fr.offset - hdrSize
		rn, re := fr.readOnce(p[payloadOff:fr.length])
		fr.offset += int64(rn)
		if re != nil {
			if re == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, re
		}
	}

	length := fr.length
	fr.reset()
	return p[:length], nil
}

// WriteMessage writes p as one framed message.
func (fr *Engine) WriteMessage(p []byte) error {
	if fr.wr == nil {
		return ErrInvalidArgument
	}
	if int64(len(p)) > framePayloadMaxLen56 {
		return ErrTooLong
	}

	length := int64(len(p))
	var exLen int64
	if length <= framePayloadMaxLen8Bits {
		exLen = 0
	} else if length <= framePayloadMaxLen16 {
		exLen = 2
	} else {
		exLen = 7
	}

	var header [8]byte
	if length <= framePayloadMaxLen8Bits {
		header[0] = byte(length)
	} else if length <= framePayloadMaxLen16 {
		header[0] = framePayloadMaxLen8Bits + 1
		binary.LittleEndian.PutUint16(header[frameHeaderLen:frameHeaderLen+exLen], uint16(length))
	} else {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(length))
		copy(header[1:8], buf[:7])
		header[0] = framePayloadMaxLen8Bits + 2
	}

	hdrSize := frameHeaderLen + exLen
	off := int64(0)
	for off < hdrSize {
		wn, we := fr.writeOnce(header[off:hdrSize])
		off += int64(wn)
		if we != nil {
			return we
		}
	}
	off = 0
	for off < length {
		wn, we := fr.writeOnce(p[off:])
		off += int64(wn)
		if we != nil {
			return we
		}
	}
	return nil
}
