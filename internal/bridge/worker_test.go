// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"code.hybscloud.com/tcpbridge/internal/config"
	"code.hybscloud.com/tcpbridge/internal/counters"
	"code.hybscloud.com/tcpbridge/internal/poller"
	"code.hybscloud.com/tcpbridge/internal/ring"
	"code.hybscloud.com/tcpbridge/internal/route"
	"code.hybscloud.com/tcpbridge/internal/wire"
)

// loopRig is a worker wired to real loopback sockets and in-memory
// rings, with the test playing the role of the application nukleus on
// the far side of the streams rings.
type loopRig struct {
	w       *Worker
	cnt     *counters.Counters
	routeID uint64

	app      *wire.MessageWriter // test → worker (application frames)
	fromWork *wire.MessageReader // worker → test
	frames   []*wire.Frame
}

func newLoopRig(t *testing.T, cfg config.Config) *loopRig {
	t.Helper()
	p, err := poller.New()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	cnt := counters.New(nil)
	tbl := route.NewTable()
	r := tbl.Add(route.RoleServer, route.Address{IP: "127.0.0.1", Port: 0}, nil)

	inRing := ring.New(1 << 16)
	outRing := ring.New(1 << 16)

	w := NewWorker(p, tbl, cnt, cfg,
		wire.NewMessageWriter(outRing, cfg.MaxMessageLength),
		wire.NewMessageReader(inRing, cfg.MaxMessageLength), nil)
	require.NoError(t, w.BindServerRoutes())

	return &loopRig{
		w: w, cnt: cnt, routeID: r.ID,
		app:      wire.NewMessageWriter(inRing, cfg.MaxMessageLength),
		fromWork: wire.NewMessageReader(outRing, cfg.MaxMessageLength),
	}
}

func (rig *loopRig) dial(t *testing.T) *net.TCPConn {
	t.Helper()
	var addr *net.TCPAddr
	for _, ls := range rig.w.acceptor.listeners {
		addr = ls.local
	}
	require.NotNil(t, addr)
	conn, err := net.DialTCP("tcp", nil, addr)
	require.NoError(t, err)
	return conn
}

// drain pulls every frame currently on the worker→app ring into
// rig.frames, copying DATA payloads out of the reader's reused scratch
// buffer.
func (rig *loopRig) drain(t *testing.T) {
	t.Helper()
	for {
		f, err := rig.fromWork.Read()
		if err == wire.ErrWouldBlock {
			return
		}
		require.NoError(t, err)
		if f.Data != nil {
			f.Data.Payload = append([]byte(nil), f.Data.Payload...)
		}
		rig.frames = append(rig.frames, f)
	}
}

func (rig *loopRig) tickUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 300; i++ {
		rig.drain(t)
		if cond() {
			return
		}
		_, err := rig.w.Tick(int64(5 * time.Millisecond))
		require.NoError(t, err)
	}
	t.Fatalf("never observed: %s (frames so far: %d)", what, len(rig.frames))
}

func (rig *loopRig) firstFrame(typ wire.Type) *wire.Frame {
	for _, f := range rig.frames {
		if f.Type == typ {
			return f
		}
	}
	return nil
}

func (rig *loopRig) payloadOf(streamID uint64) []byte {
	var out []byte
	for _, f := range rig.frames {
		if f.Type == wire.TypeData && f.Data.StreamID == streamID {
			out = append(out, f.Data.Payload...)
		}
	}
	return out
}

const replyStreamID = 0x1000

func TestServerHelloRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.WindowSize = 64
	rig := newLoopRig(t, cfg)

	conn := rig.dial(t)
	defer conn.Close()

	// Accept surfaces as a forward BEGIN carrying the address extension.
	rig.tickUntil(t, "forward BEGIN", func() bool { return rig.firstFrame(wire.TypeBegin) != nil })
	begin := rig.firstFrame(wire.TypeBegin)
	ext, err := wire.DecodeAddressExtension(begin.Begin.Extension)
	require.NoError(t, err)
	require.Equal(t, wire.AddressFamilyIPv4, ext.AddressFamily)
	require.EqualValues(t, 1, rig.cnt.OpenConnections())

	// Application replies, correlated by the forward stream id; the
	// worker must answer with the initial write-direction WINDOW.
	require.NoError(t, rig.app.WriteBegin(wire.Begin{StreamID: replyStreamID, Authorization: begin.Begin.StreamID}))
	rig.tickUntil(t, "initial WINDOW on reply stream", func() bool {
		w := rig.firstFrame(wire.TypeWindow)
		return w != nil && w.Window.StreamID == replyStreamID && w.Window.Credit == 64
	})

	// Consumer grants read credit, client sends "hello".
	require.NoError(t, rig.app.WriteWindow(wire.Window{StreamID: begin.Begin.StreamID, Credit: 64}))
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	rig.tickUntil(t, `DATA "hello"`, func() bool {
		return string(rig.payloadOf(begin.Begin.StreamID)) == "hello"
	})
	require.Nil(t, rig.firstFrame(wire.TypeAbort))
	require.Nil(t, rig.firstFrame(wire.TypeReset))

	snap := rig.cnt.Snapshot()
	require.EqualValues(t, 5, snap[fmt.Sprintf("%d.bytes.read", rig.routeID)])
	require.GreaterOrEqual(t, snap[fmt.Sprintf("%d.frames.read", rig.routeID)], int64(1))

	// Reply direction: app DATA reaches the client socket and is
	// acknowledged with a WINDOW grant.
	require.NoError(t, rig.app.WriteData(wire.Data{StreamID: replyStreamID, Payload: []byte("world")}))
	rig.tickUntil(t, "reply WINDOW after drain", func() bool {
		n := 0
		for _, f := range rig.frames {
			if f.Type == wire.TypeWindow && f.Window.StreamID == replyStreamID {
				n++
			}
		}
		return n >= 2
	})
	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))
}

func TestServerHalfCloseThenReplyEnd(t *testing.T) {
	cfg := config.Default()
	rig := newLoopRig(t, cfg)

	conn := rig.dial(t)
	defer conn.Close()

	rig.tickUntil(t, "forward BEGIN", func() bool { return rig.firstFrame(wire.TypeBegin) != nil })
	begin := rig.firstFrame(wire.TypeBegin)
	require.NoError(t, rig.app.WriteBegin(wire.Begin{StreamID: replyStreamID, Authorization: begin.Begin.StreamID}))
	require.NoError(t, rig.app.WriteWindow(wire.Window{StreamID: begin.Begin.StreamID, Credit: 1024}))

	_, err := conn.Write([]byte("client data"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	// Half-close surfaces as END after the DATA; the connection must
	// stay open for the reply direction.
	rig.tickUntil(t, "END after DATA", func() bool { return rig.firstFrame(wire.TypeEnd) != nil })
	require.Equal(t, "client data", string(rig.payloadOf(begin.Begin.StreamID)))
	require.EqualValues(t, 1, rig.cnt.OpenConnections())

	// Reply direction still works half-open.
	require.NoError(t, rig.app.WriteData(wire.Data{StreamID: replyStreamID, Payload: []byte("bye")}))
	rig.tickUntil(t, "reply DATA drained", func() bool {
		n := 0
		for _, f := range rig.frames {
			if f.Type == wire.TypeWindow && f.Window.StreamID == replyStreamID {
				n++
			}
		}
		return n >= 2 // initial grant plus the drain acknowledgement
	})
	buf := make([]byte, 8)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "bye", string(buf[:n]))

	// Only the reply END closes the socket for good.
	require.NoError(t, rig.app.WriteEnd(wire.End{StreamID: replyStreamID}))
	rig.tickUntil(t, "connection fully closed", func() bool { return rig.cnt.OpenConnections() == 0 })
	require.True(t, rig.w.Idle())
}

func TestConnectionCapUnbindsAndRebinds(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConnections = 1
	rig := newLoopRig(t, cfg)

	conn := rig.dial(t)
	defer conn.Close()

	rig.tickUntil(t, "cap reached unbinds listeners", func() bool {
		for _, ls := range rig.w.acceptor.listeners {
			if ls.bound {
				return false
			}
		}
		return true
	})
	require.EqualValues(t, 1, rig.cnt.OpenConnections())

	// Drive the one connection to full close; the listener must re-arm.
	begin := rig.firstFrame(wire.TypeBegin)
	require.NotNil(t, begin)
	require.NoError(t, rig.app.WriteBegin(wire.Begin{StreamID: replyStreamID, Authorization: begin.Begin.StreamID}))
	require.NoError(t, rig.app.WriteWindow(wire.Window{StreamID: begin.Begin.StreamID, Credit: 1024}))
	require.NoError(t, conn.CloseWrite())
	rig.tickUntil(t, "END on forward stream", func() bool { return rig.firstFrame(wire.TypeEnd) != nil })
	require.NoError(t, rig.app.WriteEnd(wire.End{StreamID: replyStreamID}))

	rig.tickUntil(t, "listener rebound after close", func() bool {
		if rig.cnt.OpenConnections() != 0 {
			return false
		}
		for _, ls := range rig.w.acceptor.listeners {
			if !ls.bound {
				return false
			}
		}
		return true
	})

	// A new connect is accepted again within bounded ticks.
	conn2 := rig.dial(t)
	defer conn2.Close()
	rig.tickUntil(t, "second connection accepted", func() bool { return rig.cnt.OpenConnections() == 1 })
}

func TestClientConnectCompletesWithReplyBegin(t *testing.T) {
	cfg := config.Default()
	cfg.WindowSize = 128
	rig := newLoopRig(t, cfg)

	remote, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer remote.Close()
	remoteAddr := remote.Addr().(*net.TCPAddr)

	acceptedCh := make(chan *net.TCPConn, 1)
	go func() {
		c, err := remote.AcceptTCP()
		if err == nil {
			acceptedCh <- c
		}
	}()

	const initialStreamID = 0x2000
	const correlationID = 0xC0FFEE
	ext := wire.EncodeAddressExtension(wire.AddressExtension{
		AddressFamily: wire.AddressFamilyIPv4,
		LocalIP:       []byte{127, 0, 0, 1},
		RemoteIP:      remoteAddr.IP.To4(),
		RemotePort:    uint16(remoteAddr.Port),
	})
	require.NoError(t, rig.app.WriteBegin(wire.Begin{StreamID: initialStreamID, Authorization: correlationID, Extension: ext}))

	// Connect completion surfaces as a reply BEGIN echoing the
	// correlationId, plus the initial window for the app's direction.
	rig.tickUntil(t, "reply BEGIN with correlationId", func() bool {
		f := rig.firstFrame(wire.TypeBegin)
		return f != nil && f.Begin.Authorization == correlationID
	})
	rig.tickUntil(t, "initial WINDOW on client stream", func() bool {
		f := rig.firstFrame(wire.TypeWindow)
		return f != nil && f.Window.StreamID == initialStreamID && f.Window.Credit == 128
	})
	require.EqualValues(t, 1, rig.cnt.OpenConnections())

	// Application bytes flow to the remote listener.
	require.NoError(t, rig.app.WriteData(wire.Data{StreamID: initialStreamID, Payload: []byte("ping")}))
	var server *net.TCPConn
	select {
	case server = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote listener never saw the connect")
	}
	defer server.Close()

	for i := 0; i < 50; i++ {
		_, err := rig.w.Tick(int64(5 * time.Millisecond))
		require.NoError(t, err)
	}
	buf := make([]byte, 8)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestClientConnectFailureEmitsReset(t *testing.T) {
	cfg := config.Default()
	rig := newLoopRig(t, cfg)

	// A listener that is immediately closed leaves a port nothing
	// accepts on; connect must fail and surface as RESET.
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	deadAddr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	const initialStreamID = 0x3000
	ext := wire.EncodeAddressExtension(wire.AddressExtension{
		AddressFamily: wire.AddressFamilyIPv4,
		LocalIP:       []byte{127, 0, 0, 1},
		RemoteIP:      deadAddr.IP.To4(),
		RemotePort:    uint16(deadAddr.Port),
	})
	require.NoError(t, rig.app.WriteBegin(wire.Begin{StreamID: initialStreamID, Authorization: 1, Extension: ext}))

	rig.tickUntil(t, "RESET after failed connect", func() bool {
		f := rig.firstFrame(wire.TypeReset)
		return f != nil && f.Reset.StreamID == initialStreamID
	})
}

func TestOverflowResetsProducer(t *testing.T) {
	cfg := config.Default()
	cfg.WindowSize = 50
	rig := newLoopRig(t, cfg)

	conn := rig.dial(t)
	defer conn.Close()

	rig.tickUntil(t, "forward BEGIN", func() bool { return rig.firstFrame(wire.TypeBegin) != nil })
	begin := rig.firstFrame(wire.TypeBegin)
	require.NoError(t, rig.app.WriteBegin(wire.Begin{StreamID: replyStreamID, Authorization: begin.Begin.StreamID}))

	// 100 bytes of DATA against 50 bytes of advertised credit.
	require.NoError(t, rig.app.WriteData(wire.Data{StreamID: replyStreamID, Payload: make([]byte, 100)}))
	rig.tickUntil(t, "RESET on producer reverse channel", func() bool {
		f := rig.firstFrame(wire.TypeReset)
		return f != nil && f.Reset.StreamID == replyStreamID
	})
	require.EqualValues(t, 1, rig.cnt.Snapshot()["overflows"])

	// Subsequent frames on the aborted stream are ignored.
	require.NoError(t, rig.app.WriteData(wire.Data{StreamID: replyStreamID, Payload: []byte("late")}))
	for i := 0; i < 10; i++ {
		_, err := rig.w.Tick(int64(time.Millisecond))
		require.NoError(t, err)
	}
	rig.drain(t)
	require.EqualValues(t, 1, rig.cnt.Snapshot()["overflows"], "overflow must be counted exactly once")
}
