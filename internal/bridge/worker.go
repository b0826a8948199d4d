// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpbridge/internal/config"
	"code.hybscloud.com/tcpbridge/internal/counters"
	"code.hybscloud.com/tcpbridge/internal/poller"
	"code.hybscloud.com/tcpbridge/internal/route"
	"code.hybscloud.com/tcpbridge/internal/socket"
	"code.hybscloud.com/tcpbridge/internal/stream"
	"code.hybscloud.com/tcpbridge/internal/wire"
)

// pendingReply is what the worker remembers between emitting the
// forward BEGIN for an accepted socket and the application's reply
// BEGIN arriving to complete the pair. writeStreamID is filled in once
// the reply arrives: BEGIN carries no dedicated correlationId field, so
// the forward stream's own id doubles as the correlationId, and the
// reply BEGIN carries it back on Authorization.
type pendingReply struct {
	readStreamID  uint64
	writeStreamID uint64
	routeID       uint64
	sock          *socket.Socket
	key           *poller.Key
}

// Worker is the single-threaded event loop of the bridge: it owns the
// Poller, every ReadStream/WriteStream, the Acceptor, the Connector,
// and the route/correlation tables. Nothing here is safe to call from
// another goroutine.
type Worker struct {
	p   *poller.Poller
	tbl *route.Table
	cnt *counters.Counters
	cfg config.Config
	log *slog.Logger

	acceptor  *Acceptor
	connector *Connector

	appOut  *wire.MessageWriter
	appIn   *wire.MessageReader
	scratch []byte

	// cmdIn/respOut are the control-plane rings, attached separately via
	// AttachCommandPlane since a worker used only for testing the data
	// plane need not have a control conduit at all.
	cmdIn   *wire.CommandReader
	respOut *wire.ResponseWriter

	nextStreamID uint64

	readStreams  map[uint64]*stream.ReadStream
	writeStreams map[uint64]*stream.WriteStream

	// streamRoute maps a writeStreamID to the route it was established
	// under, used to attribute frames.wrote/bytes.wrote at the point an
	// inbound DATA frame is dispatched; populated alongside writeStreams
	// and cleared alongside it.
	streamRoute map[uint64]uint64

	pending *route.CorrelationMap[*pendingReply]
}

// NewWorker wires a Worker around an already-constructed Poller and the
// application ring pair (appOut/appIn carry BEGIN/DATA/END/ABORT/
// WINDOW/RESET to and from the consumer/producer nukleus).
func NewWorker(p *poller.Poller, tbl *route.Table, cnt *counters.Counters, cfg config.Config, appOut *wire.MessageWriter, appIn *wire.MessageReader, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w := &Worker{
		p: p, tbl: tbl, cnt: cnt, cfg: cfg, log: log,
		appOut:       appOut,
		appIn:        appIn,
		scratch:      make([]byte, cfg.MaxMessageLength),
		readStreams:  make(map[uint64]*stream.ReadStream),
		writeStreams: make(map[uint64]*stream.WriteStream),
		streamRoute:  make(map[uint64]uint64),
		pending:      route.NewCorrelationMap[*pendingReply](),
	}
	w.acceptor = NewAcceptor(p, w.onAccept)
	w.connector = NewConnector(p)
	return w
}

func (w *Worker) newStreamID() uint64 {
	w.nextStreamID++
	return w.nextStreamID
}

// BindServerRoutes opens a listening socket for every distinct local
// address among the table's server-role routes.
func (w *Worker) BindServerRoutes() error {
	bound := make(map[string]bool)
	for _, r := range w.tbl.AllServerRoutes() {
		key := r.LocalAddress.String()
		if bound[key] {
			continue
		}
		bound[key] = true
		addr := &net.TCPAddr{IP: net.ParseIP(r.LocalAddress.IP), Port: int(r.LocalAddress.Port)}
		if err := w.acceptor.Bind(addr); err != nil {
			return errors.Wrapf(err, "bridge: bind server route %d", r.ID)
		}
	}
	return nil
}

// Drain begins graceful shutdown: stop accepting new connections while
// leaving every in-flight stream to run to its own natural completion.
func (w *Worker) Drain() {
	for _, r := range w.tbl.AllServerRoutes() {
		w.acceptor.Close(&net.TCPAddr{IP: net.ParseIP(r.LocalAddress.IP), Port: int(r.LocalAddress.Port)})
	}
}

// Idle reports whether every connection has fully closed, the signal
// the graceful-drain loop waits for before exiting.
func (w *Worker) Idle() bool {
	return len(w.readStreams) == 0 && len(w.writeStreams) == 0
}

// maxAppFramesPerTick bounds how many application-ring frames Tick
// drains before yielding back to socket readiness handling, so a burst
// of inbound app traffic can't starve the poller.
const maxAppFramesPerTick = 64

// Tick runs one Poller.Tick and then drains pending application frames.
func (w *Worker) Tick(timeoutNanos int64) (int, error) {
	work, err := w.p.Tick(timeoutNanos)
	if err != nil {
		return work, err
	}
	if err := w.drainCommands(); err != nil {
		return work, errors.Wrap(err, "bridge: command ring read")
	}
	for i := 0; i < maxAppFramesPerTick; i++ {
		f, err := w.appIn.Read()
		if err == wire.ErrWouldBlock {
			break
		}
		if err != nil {
			return work, errors.Wrap(err, "bridge: application ring read")
		}
		w.dispatchAppFrame(f)
		work++
	}
	return work, nil
}

func (w *Worker) dispatchAppFrame(f *wire.Frame) {
	switch f.Type {
	case wire.TypeBegin:
		w.onAppBegin(f.Begin)
	case wire.TypeData:
		if ws, ok := w.writeStreams[f.Data.StreamID]; ok {
			if routeID, ok := w.streamRoute[f.Data.StreamID]; ok {
				rc := w.cnt.Route(routeID)
				rc.AddFramesWrote(1)
				rc.AddBytesWrote(int64(len(f.Data.Payload)))
			}
			ws.HandleData(f.Data.Payload)
		}
	case wire.TypeEnd:
		if ws, ok := w.writeStreams[f.End.StreamID]; ok {
			ws.HandleEnd()
		}
	case wire.TypeAbort:
		if ws, ok := w.writeStreams[f.Abort.StreamID]; ok {
			ws.HandleAbort()
		}
	case wire.TypeWindow:
		if rs, ok := w.readStreams[f.Window.StreamID]; ok {
			rs.OnWindow(f.Window.Credit, f.Window.Padding, f.Window.GroupID, w.scratch)
		}
	case wire.TypeReset:
		if rs, ok := w.readStreams[f.Reset.StreamID]; ok {
			rs.OnReset()
		}
	}
}

// onAppBegin handles a BEGIN arriving from the application: either the
// reply half of a server-initiated pair, or the initial half of a
// client-role connection request.
func (w *Worker) onAppBegin(b *wire.Begin) {
	if entry, ok := w.pending.Remove(b.Authorization); ok {
		w.completeServerPair(entry, b)
		return
	}
	w.beginClientConnect(b)
}

// completeServerPair builds the WriteStream for the reply direction of
// an already-accepted socket and binds it and the earlier ReadStream to
// each other's throttle/peer channels.
func (w *Worker) completeServerPair(entry *pendingReply, reply *wire.Begin) {
	entry.writeStreamID = reply.StreamID

	fwd := appDataSink{w: w.appOut, streamID: entry.readStreamID, rc: w.cnt.Route(entry.routeID)}
	throttle := appThrottleSink{w: w.appOut, streamID: reply.StreamID}

	rs, ok := w.readStreams[entry.readStreamID]
	if !ok {
		// The read side already failed and tore the connection down
		// before the reply arrived; nothing left to pair.
		return
	}
	rs.SetCorrelatedThrottle(throttle)

	onFullClose := w.serverCloser(entry)
	ws := stream.NewWriteStream(reply.StreamID, entry.sock, entry.key, w.cfg.WindowSize+w.cfg.MaxMessageLength,
		func() { w.cnt.IncOverflows(entry.routeID, reply.StreamID) }, onFullClose)
	ws.Bind(throttle, fwd)
	ws.GrantInitialWindow(int32(w.cfg.WindowSize))

	w.writeStreams[reply.StreamID] = ws
	w.streamRoute[reply.StreamID] = entry.routeID
}

// beginClientConnect starts the Connector-driven mirror flow: the
// application owns streamId b.StreamID (the direction it will write
// DATA on) and invents correlationId b.Authorization for the worker to
// echo back on the reply BEGIN once the outbound connect resolves.
func (w *Worker) beginClientConnect(b *wire.Begin) {
	ext, err := wire.DecodeAddressExtension(b.Extension)
	if err != nil {
		_ = w.appOut.WriteReset(wire.Reset{StreamID: b.StreamID})
		return
	}
	target := &net.TCPAddr{IP: net.IP(ext.RemoteIP), Port: int(ext.RemotePort)}

	writeStreamID := b.StreamID
	correlationID := b.Authorization

	err = w.connector.Connect(target, func(fd int, cerr error) {
		if cerr != nil {
			w.log.Info("connect failed", "stream_id", writeStreamID, "correlation_id", correlationID, "error", cerr)
			_ = w.appOut.WriteReset(wire.Reset{StreamID: writeStreamID})
			return
		}
		w.onClientConnected(fd, target, writeStreamID, correlationID)
	})
	if err != nil {
		_ = w.appOut.WriteReset(wire.Reset{StreamID: writeStreamID})
	}
}

func (w *Worker) onClientConnected(fd int, remote *net.TCPAddr, writeStreamID, correlationID uint64) {
	sock, err := socket.FromListenerFd(fd, nil, remote)
	if err != nil {
		return
	}
	readStreamID := w.newStreamID()

	var key *poller.Key
	key, err = w.p.Register(sock.Fd(), nil, 0, func(ready poller.Interest) int {
		return w.dispatchConnReady(readStreamID, writeStreamID, ready)
	})
	if err != nil {
		sock.Close()
		return
	}

	const clientRouteID = 0 // no specific route entry; counted under route id 0's counters
	fwd := appDataSink{w: w.appOut, streamID: readStreamID, rc: w.cnt.Route(clientRouteID)}
	throttle := appThrottleSink{w: w.appOut, streamID: writeStreamID}

	var closeOnce sync.Once
	onFullClose := func() {
		closeOnce.Do(func() {
			w.cnt.IncConnectionsClosed()
			w.log.Info("connection closed", "stream_id", readStreamID)
			key.Cancel(0)
			delete(w.readStreams, readStreamID)
			delete(w.writeStreams, writeStreamID)
			delete(w.streamRoute, writeStreamID)
			if w.cnt.OpenConnections() < int64(w.cfg.MaxConnections) {
				w.acceptor.Rebind()
			}
		})
	}

	rs := stream.NewReadStream(readStreamID, sock, key, fwd, onFullClose)
	rs.SetCorrelatedThrottle(throttle)
	ws := stream.NewWriteStream(writeStreamID, sock, key, w.cfg.WindowSize+w.cfg.MaxMessageLength,
		func() { w.cnt.IncOverflows(clientRouteID, writeStreamID) }, onFullClose)
	ws.Bind(throttle, fwd)
	ws.GrantInitialWindow(int32(w.cfg.WindowSize))

	w.readStreams[readStreamID] = rs
	w.writeStreams[writeStreamID] = ws
	w.streamRoute[writeStreamID] = clientRouteID
	w.cnt.IncConnectionsOpened()

	w.log.Info("connection established", "stream_id", readStreamID, "correlation_id", correlationID, "remote", remote.String())
	ext := wire.EncodeAddressExtension(wire.AddressExtensionFromTCPAddrs(sock.LocalAddr(), sock.RemoteAddr()))
	_ = w.appOut.WriteBegin(wire.Begin{StreamID: readStreamID, Authorization: correlationID, Extension: ext})
}

// serverCloser builds an onFullClose callback for a server-side pair:
// onAccept builds one for the ReadStream and completeServerPair another
// for the WriteStream. Each references entry (mutated in place once the
// reply arrives) so it can clean up both streamIDs even though
// writeStreamID isn't known at ReadStream construction time; whichever
// fires first removes both streams from the worker's tables.
func (w *Worker) serverCloser(entry *pendingReply) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			w.cnt.IncConnectionsClosed()
			w.log.Info("connection closed", "route_id", entry.routeID, "stream_id", entry.readStreamID)
			if entry.key != nil {
				entry.key.Cancel(0)
			}
			delete(w.readStreams, entry.readStreamID)
			w.pending.Remove(entry.readStreamID)
			if entry.writeStreamID != 0 {
				delete(w.writeStreams, entry.writeStreamID)
				delete(w.streamRoute, entry.writeStreamID)
			}
			if w.cnt.OpenConnections() < int64(w.cfg.MaxConnections) {
				w.acceptor.Rebind()
			}
		})
	}
}

// onAccept is the server-side stream factory, passed to Acceptor as
// its AcceptHandler.
func (w *Worker) onAccept(fd int, local, remote *net.TCPAddr) {
	if w.cnt.OpenConnections() >= int64(w.cfg.MaxConnections) {
		unix.Close(fd)
		return
	}
	r, ok := w.tbl.MatchServerRoute(
		route.Address{IP: local.IP.String(), Port: uint16(local.Port)},
		route.Address{IP: remote.IP.String(), Port: uint16(remote.Port)})
	if !ok {
		unix.Close(fd)
		return
	}

	sock, err := socket.FromListenerFd(fd, local, remote)
	if err != nil {
		return
	}

	readStreamID := w.newStreamID()
	entry := &pendingReply{readStreamID: readStreamID, routeID: r.ID, sock: sock}

	var key *poller.Key
	key, err = w.p.Register(sock.Fd(), nil, 0, func(ready poller.Interest) int {
		return w.dispatchConnReady(readStreamID, entry.writeStreamID, ready)
	})
	if err != nil {
		sock.Close()
		return
	}
	entry.key = key

	fwd := appDataSink{w: w.appOut, streamID: readStreamID, rc: w.cnt.Route(r.ID)}
	onFullClose := w.serverCloser(entry)
	rs := stream.NewReadStream(readStreamID, sock, key, fwd, onFullClose)

	w.readStreams[readStreamID] = rs
	w.cnt.IncConnectionsOpened()
	w.log.Info("connection accepted", "route_id", r.ID, "stream_id", readStreamID, "remote", remote.String())
	if w.cnt.OpenConnections() >= int64(w.cfg.MaxConnections) {
		w.log.Info("connection cap reached, unbinding listeners", "max_connections", w.cfg.MaxConnections)
		w.acceptor.Unbind()
	}

	if err := w.pending.Insert(readStreamID, entry); err != nil {
		// readStreamID is a freshly minted id; a collision here would mean
		// the stream id counter wrapped, which a 64-bit counter never does
		// within a process lifetime.
		return
	}

	ext := wire.EncodeAddressExtension(wire.AddressExtensionFromTCPAddrs(local, remote))
	_ = w.appOut.WriteBegin(wire.Begin{StreamID: readStreamID, Authorization: 0, Extension: ext})
}

// dispatchConnReady is the combined handler for a connection's one
// socket-level poller.Key, routing OP_WRITE to the WriteStream and
// OP_READ to the ReadStream. writeID is 0 until the reply BEGIN has
// arrived; OP_WRITE cannot be set on the shared key before then anyway,
// since only the WriteStream ever registers it.
func (w *Worker) dispatchConnReady(readID, writeID uint64, ready poller.Interest) int {
	work := 0
	if ready&poller.OpWrite != 0 && writeID != 0 {
		if ws, ok := w.writeStreams[writeID]; ok {
			work += ws.OnWritable()
		}
	}
	if ready&poller.OpRead != 0 {
		if rs, ok := w.readStreams[readID]; ok {
			work += rs.OnReadable(w.scratch)
		}
	}
	return work
}
