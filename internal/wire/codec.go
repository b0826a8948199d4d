// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"code.hybscloud.com/tcpbridge/internal/framing"
)

// MessageWriter encodes typed frames onto a ring's write side, one framed
// record per frame via the shared framing.Engine.
type MessageWriter struct {
	eng *framing.Engine
	buf []byte // reused encode scratch buffer; zero-alloc steady state
}

func NewMessageWriter(w io.Writer, maxMessageLength int) *MessageWriter {
	return &MessageWriter{
		eng: framing.NewWriteEngine(w, framing.WithReadLimit(maxMessageLength)),
		buf: make([]byte, 0, 4096),
	}
}

func (mw *MessageWriter) WriteBegin(f Begin) error {
	b := mw.buf[:0]
	b = append(b, byte(TypeBegin))
	b = putUint64(b, f.StreamID)
	b = putUint64(b, f.Authorization)
	b = putBytes(b, f.Extension)
	return mw.eng.WriteMessage(b)
}

func (mw *MessageWriter) WriteData(f Data) error {
	b := mw.buf[:0]
	b = append(b, byte(TypeData))
	b = putUint64(b, f.StreamID)
	b = putUint64(b, f.Authorization)
	b = append(b, f.Flags)
	b = putUint64(b, f.GroupID)
	b = putUint16(b, f.Padding)
	b = putBytes(b, f.Payload)
	b = putBytes(b, f.Extension)
	return mw.eng.WriteMessage(b)
}

func (mw *MessageWriter) WriteEnd(f End) error {
	b := mw.buf[:0]
	b = append(b, byte(TypeEnd))
	b = putUint64(b, f.StreamID)
	b = putUint64(b, f.Authorization)
	b = putBytes(b, f.Extension)
	return mw.eng.WriteMessage(b)
}

func (mw *MessageWriter) WriteAbort(f Abort) error {
	b := mw.buf[:0]
	b = append(b, byte(TypeAbort))
	b = putUint64(b, f.StreamID)
	b = putUint64(b, f.Authorization)
	b = putBytes(b, f.Extension)
	return mw.eng.WriteMessage(b)
}

func (mw *MessageWriter) WriteWindow(f Window) error {
	b := mw.buf[:0]
	b = append(b, byte(TypeWindow))
	b = putUint64(b, f.StreamID)
	b = putInt32(b, f.Credit)
	b = putInt32(b, f.Padding)
	b = putUint64(b, f.GroupID)
	return mw.eng.WriteMessage(b)
}

func (mw *MessageWriter) WriteReset(f Reset) error {
	b := mw.buf[:0]
	b = append(b, byte(TypeReset))
	b = putUint64(b, f.StreamID)
	return mw.eng.WriteMessage(b)
}

// MessageReader decodes typed frames from a ring's read side.
type MessageReader struct {
	eng   *framing.Engine
	alloc []byte // per-worker scratch buffer; payloads alias it, never retained
}

func NewMessageReader(r io.Reader, maxMessageLength int) *MessageReader {
	limit := maxMessageLength
	if limit <= 0 {
		limit = 64 * 1024
	}
	return &MessageReader{
		eng:   framing.NewReadEngine(r, framing.WithReadLimit(maxMessageLength)),
		alloc: make([]byte, limit),
	}
}

// ErrWouldBlock is re-exported so callers of MessageReader.Read need not
// import package framing to check for it.
var ErrWouldBlock = framing.ErrWouldBlock

// Read decodes the next frame. It returns wire.ErrWouldBlock when the
// ring currently has no complete record, keeping the worker loop
// non-blocking.
func (mr *MessageReader) Read() (*Frame, error) {
	p, err := mr.eng.ReadMessage(func(length int) []byte {
		if length > len(mr.alloc) {
			return nil // triggers io.ErrShortBuffer inside ReadMessage
		}
		return mr.alloc[:length]
	})
	if err != nil {
		return nil, err
	}
	return decode(p)
}

func decode(p []byte) (*Frame, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("wire: empty record")
	}
	typ := Type(p[0])
	p = p[1:]
	switch typ {
	case TypeBegin:
		streamID, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		auth, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		ext, _, err := getBytes(p)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: typ, Begin: &Begin{StreamID: streamID, Authorization: auth, Extension: ext}}, nil
	case TypeData:
		streamID, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		auth, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		if len(p) < 1 {
			return nil, io.ErrUnexpectedEOF
		}
		flags := p[0]
		p = p[1:]
		groupID, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		padding, p, err := getUint16(p)
		if err != nil {
			return nil, err
		}
		payload, p, err := getBytes(p)
		if err != nil {
			return nil, err
		}
		ext, _, err := getBytes(p)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: typ, Data: &Data{
			StreamID: streamID, Authorization: auth, Flags: flags,
			GroupID: groupID, Padding: padding, Payload: payload, Extension: ext,
		}}, nil
	case TypeEnd:
		streamID, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		auth, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		ext, _, err := getBytes(p)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: typ, End: &End{StreamID: streamID, Authorization: auth, Extension: ext}}, nil
	case TypeAbort:
		streamID, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		auth, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		ext, _, err := getBytes(p)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: typ, Abort: &Abort{StreamID: streamID, Authorization: auth, Extension: ext}}, nil
	case TypeWindow:
		streamID, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		credit, p, err := getInt32(p)
		if err != nil {
			return nil, err
		}
		padding, p, err := getInt32(p)
		if err != nil {
			return nil, err
		}
		groupID, _, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: typ, Window: &Window{StreamID: streamID, Credit: credit, Padding: padding, GroupID: groupID}}, nil
	case TypeReset:
		streamID, _, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: typ, Reset: &Reset{StreamID: streamID}}, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame type %d", typ)
	}
}

// --- little-endian field helpers ---

func putUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func putUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func putInt32(b []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(b, tmp[:]...)
}

func putBytes(b []byte, v []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(v)))
	b = append(b, tmp[:]...)
	return append(b, v...)
}

func getUint64(p []byte) (uint64, []byte, error) {
	if len(p) < 8 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return binary.LittleEndian.Uint64(p[:8]), p[8:], nil
}

func getUint16(p []byte) (uint16, []byte, error) {
	if len(p) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return binary.LittleEndian.Uint16(p[:2]), p[2:], nil
}

func getInt32(p []byte) (int32, []byte, error) {
	if len(p) < 4 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return int32(binary.LittleEndian.Uint32(p[:4])), p[4:], nil
}

func getBytes(p []byte) ([]byte, []byte, error) {
	if len(p) < 4 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(p[:4])
	p = p[4:]
	if uint32(len(p)) < n {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return p[:n], p[n:], nil
}
