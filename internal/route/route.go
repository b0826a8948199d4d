// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package route implements the worker-local route table and correlation
// map. Both are single-worker state, so neither type takes a lock;
// callers outside the worker goroutine must not touch them.
package route

import "fmt"

// Role is a route's initiating side.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// Address is an IP+port pair. Port 0 on a Route's LocalAddress means
// "any port".
type Address struct {
	IP   string
	Port uint16
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// Route is one configured (local, remote) binding.
type Route struct {
	ID            uint64
	Role          Role
	LocalAddress  Address
	RemoteAddress *Address // optional filter; nil matches any remote
}

// Matches reports whether remote satisfies this route's optional remote
// address filter.
func (r *Route) Matches(remote Address) bool {
	if r.RemoteAddress == nil {
		return true
	}
	return *r.RemoteAddress == remote
}

// Table is the worker's route table, keyed by routeId and searched by
// local address for the Acceptor's listener-sharing lookup: one
// listening socket serves every server route bound to the same local
// address.
type Table struct {
	byID   map[uint64]*Route
	nextID uint64
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{byID: make(map[uint64]*Route)}
}

// Add installs a route, assigning it the next routeId.
func (t *Table) Add(role Role, local Address, remote *Address) *Route {
	t.nextID++
	r := &Route{ID: t.nextID, Role: role, LocalAddress: local, RemoteAddress: remote}
	t.byID[r.ID] = r
	return r
}

// Remove deletes a route by id.
func (t *Table) Remove(routeID uint64) {
	delete(t.byID, routeID)
}

// Get looks up a route by id.
func (t *Table) Get(routeID uint64) (*Route, bool) {
	r, ok := t.byID[routeID]
	return r, ok
}

// ServerRoutesOnLocal returns every server-role route bound to local,
// used by the worker both to decide whether a listener is still needed
// after an unroute and to pick the matching route for an accepted
// connection by remote-address filter. A route declared with port 0
// took whatever ephemeral port the listener resolved, so it matches any
// port on its IP.
func (t *Table) ServerRoutesOnLocal(local Address) []*Route {
	var out []*Route
	for _, r := range t.byID {
		if r.Role != RoleServer {
			continue
		}
		if r.LocalAddress == local || (r.LocalAddress.Port == 0 && r.LocalAddress.IP == local.IP) {
			out = append(out, r)
		}
	}
	return out
}

// AllServerRoutes returns every server-role route in the table, used by
// the worker at startup to decide which listeners to bind.
func (t *Table) AllServerRoutes() []*Route {
	var out []*Route
	for _, r := range t.byID {
		if r.Role == RoleServer {
			out = append(out, r)
		}
	}
	return out
}

// MatchServerRoute finds the server-role route bound to local whose
// remote filter accepts remote. The more specific (filtered) routes are
// preferred over an unfiltered catch-all.
func (t *Table) MatchServerRoute(local, remote Address) (*Route, bool) {
	var fallback *Route
	for _, r := range t.ServerRoutesOnLocal(local) {
		if r.RemoteAddress == nil {
			fallback = r
			continue
		}
		if r.Matches(remote) {
			return r, true
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}
