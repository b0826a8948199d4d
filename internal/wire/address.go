// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"net"
)

// EncodeAddressExtension lays out AddressExtension as
// { addressFamily: u8, localIp: bytes(4|16), localPort: u16, remoteIp: bytes(4|16), remotePort: u16 }.
func EncodeAddressExtension(ext AddressExtension) []byte {
	b := make([]byte, 0, 1+16+2+16+2)
	b = append(b, ext.AddressFamily)
	b = append(b, ext.LocalIP...)
	b = putUint16(b, ext.LocalPort)
	b = append(b, ext.RemoteIP...)
	b = putUint16(b, ext.RemotePort)
	return b
}

// DecodeAddressExtension parses the extension payload written by
// EncodeAddressExtension.
func DecodeAddressExtension(b []byte) (AddressExtension, error) {
	if len(b) < 1 {
		return AddressExtension{}, fmt.Errorf("wire: short address extension")
	}
	family := b[0]
	b = b[1:]
	var ipLen int
	switch family {
	case AddressFamilyIPv4:
		ipLen = 4
	case AddressFamilyIPv6:
		ipLen = 16
	default:
		return AddressExtension{}, fmt.Errorf("wire: unknown address family %d", family)
	}
	need := ipLen + 2 + ipLen + 2
	if len(b) < need {
		return AddressExtension{}, fmt.Errorf("wire: short address extension")
	}
	localIP := append([]byte(nil), b[:ipLen]...)
	b = b[ipLen:]
	localPort, b, err := getUint16(b)
	if err != nil {
		return AddressExtension{}, err
	}
	remoteIP := append([]byte(nil), b[:ipLen]...)
	b = b[ipLen:]
	remotePort, _, err := getUint16(b)
	if err != nil {
		return AddressExtension{}, err
	}
	return AddressExtension{
		AddressFamily: family,
		LocalIP:       localIP,
		LocalPort:     localPort,
		RemoteIP:      remoteIP,
		RemotePort:    remotePort,
	}, nil
}

// AddressExtensionFromTCPAddrs builds an AddressExtension from a pair of
// net.TCPAddr, choosing the family from local.IP.
func AddressExtensionFromTCPAddrs(local, remote *net.TCPAddr) AddressExtension {
	family := AddressFamilyIPv4
	localIP := local.IP.To4()
	remoteIP := remote.IP.To4()
	if localIP == nil {
		family = AddressFamilyIPv6
		localIP = local.IP.To16()
		remoteIP = remote.IP.To16()
	}
	return AddressExtension{
		AddressFamily: family,
		LocalIP:       localIP,
		LocalPort:     uint16(local.Port),
		RemoteIP:      remoteIP,
		RemotePort:    uint16(remote.Port),
	}
}
