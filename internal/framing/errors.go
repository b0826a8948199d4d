// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package framing provides the length-prefixed message framing engine
// shared by every byte-oriented ring in this module. It knows nothing
// about BEGIN/DATA/END/ABORT/WINDOW/RESET — that vocabulary lives in
// package wire, which layers a typed record format on top of this one.
package framing

import "errors"

var (
	// ErrInvalidArgument reports a nil reader/writer.
	ErrInvalidArgument = errors.New("framing: invalid argument")

	// ErrTooLong reports that a frame length exceeds limits or the supported wire format.
	ErrTooLong = errors.New("framing: message too long")
)
