// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"code.hybscloud.com/tcpbridge/internal/counters"
	"code.hybscloud.com/tcpbridge/internal/wire"
)

// appDataSink implements stream.DataSink by writing frames onto the
// worker's outbound ring to the application, addressed to one streamID.
// One ReadStream's forward channel and one WriteStream's "peer forward
// channel" (for ABORT propagation) are both just this adapter bound to
// the reader's own stream id. rc, when non-zero, is the
// socket-to-application direction's route counters.
type appDataSink struct {
	w             *wire.MessageWriter
	streamID      uint64
	authorization uint64
	rc            counters.RouteCounters
}

func (s appDataSink) SendData(payload []byte, fin bool, groupID uint64, padding uint16) error {
	var flags uint8
	if fin {
		flags |= wire.FlagFin
	}
	s.rc.AddFramesRead(1)
	s.rc.AddBytesRead(int64(len(payload)))
	return s.w.WriteData(wire.Data{
		StreamID: s.streamID, Authorization: s.authorization,
		Flags: flags, GroupID: groupID, Padding: padding, Payload: payload,
	})
}

func (s appDataSink) SendEnd() error {
	return s.w.WriteEnd(wire.End{StreamID: s.streamID, Authorization: s.authorization})
}

func (s appDataSink) SendAbort() error {
	return s.w.WriteAbort(wire.Abort{StreamID: s.streamID, Authorization: s.authorization})
}

// appThrottleSink implements stream.ThrottleSink by writing WINDOW/RESET
// onto the worker's outbound ring, addressed to one streamID. The
// reverse channel of a stream's own direction and the "correlated
// throttle" a paired ReadStream sends RESET on are the same wire
// concept, so both roles share this one adapter, bound to the
// WriteStream's id.
type appThrottleSink struct {
	w        *wire.MessageWriter
	streamID uint64
}

func (s appThrottleSink) SendWindow(credit int32, padding int32, groupID uint64) error {
	return s.w.WriteWindow(wire.Window{StreamID: s.streamID, Credit: credit, Padding: padding, GroupID: groupID})
}

func (s appThrottleSink) SendReset() error {
	return s.w.WriteReset(wire.Reset{StreamID: s.streamID})
}
