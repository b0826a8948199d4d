// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the framed stream messages — BEGIN, DATA,
// END, ABORT, WINDOW, RESET — as a tagged sum over frame variants, so
// the worker's main frame handler pattern-matches rather than invoking
// virtual methods. Frames are encoded little-endian onto a package ring
// Ring via the package framing length-prefix engine.
package wire

// Type identifies a frame variant. The dispatch switch in MessageReader
// and every caller of it switches on Type rather than using an interface
// with per-variant methods.
type Type uint8

const (
	TypeBegin Type = iota + 1
	TypeData
	TypeEnd
	TypeAbort
	TypeWindow
	TypeReset
)

func (t Type) String() string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeData:
		return "DATA"
	case TypeEnd:
		return "END"
	case TypeAbort:
		return "ABORT"
	case TypeWindow:
		return "WINDOW"
	case TypeReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// DataFlags bits carried on a DATA frame.
const (
	FlagFin uint8 = 1 << iota
)

// Begin opens a stream. Extension carries TCP-specific source/destination
// addresses (AddressExtension), encoded inline.
type Begin struct {
	StreamID      uint64
	Authorization uint64
	Extension     []byte
}

// Data carries a payload on an already-open stream.
type Data struct {
	StreamID      uint64
	Authorization uint64
	Flags         uint8
	GroupID       uint64
	Padding       uint16
	Payload       []byte
	Extension     []byte
}

// End closes a stream in the orderly direction.
type End struct {
	StreamID      uint64
	Authorization uint64
	Extension     []byte
}

// Abort closes a stream abortively.
type Abort struct {
	StreamID      uint64
	Authorization uint64
	Extension     []byte
}

// Window grants read credit on the reverse (throttle) channel of StreamID.
type Window struct {
	StreamID uint64
	Credit   int32
	Padding  int32
	GroupID  uint64
}

// Reset cancels the forward direction of StreamID.
type Reset struct {
	StreamID uint64
}

// Frame is the tagged union produced by MessageReader.Read; MessageWriter
// writes each variant through its own WriteBegin/WriteData/... method.
// Exactly one of the pointer fields is non-nil,
// matching Type.
type Frame struct {
	Type   Type
	Begin  *Begin
	Data   *Data
	End    *End
	Abort  *Abort
	Window *Window
	Reset  *Reset
}

// AddressFamily values for AddressExtension.
const (
	AddressFamilyIPv4 uint8 = 4
	AddressFamilyIPv6 uint8 = 6
)

// AddressExtension is the extension payload of BEGIN on TCP streams:
// the source and destination addresses of the underlying connection.
type AddressExtension struct {
	AddressFamily uint8
	LocalIP       []byte // 4 or 16 bytes, per AddressFamily
	LocalPort     uint16
	RemoteIP      []byte
	RemotePort    uint16
}
