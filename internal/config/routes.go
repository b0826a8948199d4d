// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"code.hybscloud.com/tcpbridge/internal/route"
)

// RouteFile is the on-disk shape of routes.yaml: a convenience for
// pre-populating the route table at startup without a running
// control-plane conduit.
type RouteFile struct {
	Routes []RouteEntry `yaml:"routes"`
}

// RouteEntry is one statically declared route.
type RouteEntry struct {
	Role          string `yaml:"role"` // "server" or "client"
	LocalAddress  string `yaml:"localAddress"`
	LocalPort     uint16 `yaml:"localPort"`
	RemoteAddress string `yaml:"remoteAddress,omitempty"`
	RemotePort    uint16 `yaml:"remotePort,omitempty"`
}

// LoadRouteFile parses path and installs every entry into tbl.
func LoadRouteFile(path string, tbl *route.Table) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rf RouteFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return err
	}
	for _, e := range rf.Routes {
		role := route.RoleServer
		if e.Role == "client" {
			role = route.RoleClient
		}
		var remote *route.Address
		if e.RemoteAddress != "" {
			remote = &route.Address{IP: e.RemoteAddress, Port: e.RemotePort}
		}
		tbl.Add(role, route.Address{IP: e.LocalAddress, Port: e.LocalPort}, remote)
	}
	return nil
}
