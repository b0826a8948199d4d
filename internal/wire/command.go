// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"

	"code.hybscloud.com/tcpbridge/internal/framing"
)

// CommandType identifies a control-plane command.
type CommandType uint8

const (
	CmdRoute CommandType = iota + 1
	CmdUnroute
)

// RouteCommand installs a route; the response carries the assigned
// routeId. SourceName is the local bind address ("host:port");
// TargetName, when non-empty, is the remote address filter for a server
// route or the fixed peer for a client route.
type RouteCommand struct {
	CorrelationID uint64
	Nukleus       string
	Role          string // "server" or "client"
	Ref           int64
	SourceName    string
	SourceRef     int64
	TargetName    string
	TargetRef     int64
	Authorization uint64
	Extension     []byte
}

// UnrouteCommand destroys a route.
type UnrouteCommand struct {
	CorrelationID uint64
	RouteID       uint64
}

// Command is the tagged union read off the command ring.
type Command struct {
	Type    CommandType
	Route   *RouteCommand
	Unroute *UnrouteCommand
}

// RouteResponse answers a ROUTE/UNROUTE command on the response ring,
// echoing CorrelationID. Err is empty on success.
type RouteResponse struct {
	CorrelationID uint64
	RouteID       uint64
	Err           string
}

// CommandReader decodes Command values from the command ring.
type CommandReader struct {
	eng   *framing.Engine
	alloc []byte
}

func NewCommandReader(r io.Reader, maxMessageLength int) *CommandReader {
	limit := maxMessageLength
	if limit <= 0 {
		limit = 64 * 1024
	}
	return &CommandReader{
		eng:   framing.NewReadEngine(r, framing.WithReadLimit(maxMessageLength)),
		alloc: make([]byte, limit),
	}
}

func (cr *CommandReader) Read() (*Command, error) {
	p, err := cr.eng.ReadMessage(func(length int) []byte {
		if length > len(cr.alloc) {
			return nil
		}
		return cr.alloc[:length]
	})
	if err != nil {
		return nil, err
	}
	return decodeCommand(p)
}

func decodeCommand(p []byte) (*Command, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("wire: empty command record")
	}
	typ := CommandType(p[0])
	p = p[1:]
	switch typ {
	case CmdRoute:
		corr, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		nukleus, p, err := getString(p)
		if err != nil {
			return nil, err
		}
		role, p, err := getString(p)
		if err != nil {
			return nil, err
		}
		ref, p, err := getInt64(p)
		if err != nil {
			return nil, err
		}
		sourceName, p, err := getString(p)
		if err != nil {
			return nil, err
		}
		sourceRef, p, err := getInt64(p)
		if err != nil {
			return nil, err
		}
		targetName, p, err := getString(p)
		if err != nil {
			return nil, err
		}
		targetRef, p, err := getInt64(p)
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
		return &Command{Type: typ, Route: &RouteCommand{
			CorrelationID: corr, Nukleus: nukleus, Role: role, Ref: ref,
			SourceName: sourceName, SourceRef: sourceRef,
			TargetName: targetName, TargetRef: targetRef,
			Authorization: auth, Extension: ext,
		}}, nil
	case CmdUnroute:
		corr, p, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		routeID, _, err := getUint64(p)
		if err != nil {
			return nil, err
		}
		return &Command{Type: typ, Unroute: &UnrouteCommand{CorrelationID: corr, RouteID: routeID}}, nil
	default:
		return nil, fmt.Errorf("wire: unknown command type %d", typ)
	}
}

// ResponseWriter encodes RouteResponse values onto the response ring.
type ResponseWriter struct {
	eng *framing.Engine
	buf []byte
}

func NewResponseWriter(w io.Writer, maxMessageLength int) *ResponseWriter {
	return &ResponseWriter{
		eng: framing.NewWriteEngine(w, framing.WithReadLimit(maxMessageLength)),
		buf: make([]byte, 0, 1024),
	}
}

func (rw *ResponseWriter) WriteResponse(resp RouteResponse) error {
	b := rw.buf[:0]
	b = putUint64(b, resp.CorrelationID)
	b = putUint64(b, resp.RouteID)
	b = putString(b, resp.Err)
	return rw.eng.WriteMessage(b)
}

// --- string helpers, layered on the existing bytes helpers ---

func putString(b []byte, s string) []byte { return putBytes(b, []byte(s)) }

func getString(p []byte) (string, []byte, error) {
	b, rest, err := getBytes(p)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}

func putInt64(b []byte, v int64) []byte { return putUint64(b, uint64(v)) }

func getInt64(p []byte) (int64, []byte, error) {
	v, rest, err := getUint64(p)
	return int64(v), rest, err
}
