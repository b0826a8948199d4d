// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"net"
	"strconv"

	"code.hybscloud.com/tcpbridge/internal/route"
	"code.hybscloud.com/tcpbridge/internal/wire"
)

// AttachCommandPlane wires the control-plane command/response rings
// into the worker. Tick drains commands the same way it drains the
// application ring.
func (w *Worker) AttachCommandPlane(cmdIn *wire.CommandReader, respOut *wire.ResponseWriter) {
	w.cmdIn = cmdIn
	w.respOut = respOut
}

// maxCommandsPerTick mirrors maxAppFramesPerTick: commands are rarer but
// still must not be allowed to starve socket readiness handling.
const maxCommandsPerTick = 16

func (w *Worker) drainCommands() error {
	if w.cmdIn == nil {
		return nil
	}
	for i := 0; i < maxCommandsPerTick; i++ {
		cmd, err := w.cmdIn.Read()
		if err == wire.ErrWouldBlock {
			return nil
		}
		if err != nil {
			return err
		}
		w.onCommand(cmd)
	}
	return nil
}

func (w *Worker) onCommand(cmd *wire.Command) {
	switch cmd.Type {
	case wire.CmdRoute:
		w.onRouteCommand(cmd.Route)
	case wire.CmdUnroute:
		w.onUnrouteCommand(cmd.Unroute)
	}
}

// onRouteCommand installs a route and, for server role, binds (or
// reuses) the listener for its local address, so a route added while
// running starts accepting immediately rather than waiting for the next
// process restart.
func (w *Worker) onRouteCommand(c *wire.RouteCommand) {
	local, err := parseAddress(c.SourceName)
	if err != nil {
		w.respondError(c.CorrelationID, err.Error())
		return
	}

	var remote *route.Address
	if c.TargetName != "" {
		a, err := parseAddress(c.TargetName)
		if err != nil {
			w.respondError(c.CorrelationID, err.Error())
			return
		}
		remote = &a
	}

	role := route.RoleServer
	if c.Role == "client" {
		role = route.RoleClient
	}

	r := w.tbl.Add(role, local, remote)
	if role == route.RoleServer {
		addr := &net.TCPAddr{IP: net.ParseIP(local.IP), Port: int(local.Port)}
		if err := w.acceptor.Bind(addr); err != nil {
			w.tbl.Remove(r.ID)
			w.respondError(c.CorrelationID, err.Error())
			return
		}
	}

	w.log.Info("route installed", "route_id", r.ID, "role", c.Role, "local", c.SourceName)
	if w.respOut != nil {
		_ = w.respOut.WriteResponse(wire.RouteResponse{CorrelationID: c.CorrelationID, RouteID: r.ID})
	}
}

// onUnrouteCommand removes a route. Existing connections under the
// route are left to run to completion; only future accepts/connects
// stop being matched to it. The listening socket for a server route is
// torn down once no other server route references its local address.
func (w *Worker) onUnrouteCommand(c *wire.UnrouteCommand) {
	r, ok := w.tbl.Get(c.RouteID)
	w.tbl.Remove(c.RouteID)
	if ok && r.Role == route.RoleServer && len(w.tbl.ServerRoutesOnLocal(r.LocalAddress)) == 0 {
		addr := &net.TCPAddr{IP: net.ParseIP(r.LocalAddress.IP), Port: int(r.LocalAddress.Port)}
		w.acceptor.Close(addr)
	}
	w.log.Info("route removed", "route_id", c.RouteID)
	if w.respOut != nil {
		_ = w.respOut.WriteResponse(wire.RouteResponse{CorrelationID: c.CorrelationID, RouteID: c.RouteID})
	}
}

func (w *Worker) respondError(correlationID uint64, msg string) {
	if w.respOut != nil {
		_ = w.respOut.WriteResponse(wire.RouteResponse{CorrelationID: correlationID, Err: msg})
	}
}

// parseAddress turns a "host:port" string into a route.Address.
func parseAddress(s string) (route.Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return route.Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return route.Address{}, err
	}
	return route.Address{IP: host, Port: uint16(port)}, nil
}
