// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package netaddr converts between net.Addr values and netip.AddrPort and
// compares socket addresses across address families.
package netaddr

import (
	"net"
	"net/netip"
)

// FromAddr returns the netip.AddrPort of a TCP or UDP net.Addr.
// It returns the zero value for any other address type.
func FromAddr(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	case nil:
		return netip.AddrPort{}
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return ap
	}
}

// Normalize maps IPv4-mapped IPv6 addresses to plain IPv4.
func Normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Equal reports whether a and b name the same socket. An IPv4 address and
// its IPv4-mapped IPv6 form compare equal; ports must match exactly.
func Equal(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}

// Contains reports whether addr is Equal to any member of set.
func Contains(set []netip.AddrPort, addr netip.AddrPort) bool {
	for _, candidate := range set {
		if Equal(candidate, addr) {
			return true
		}
	}
	return false
}

// First returns the first member of set, or the zero value if set is empty.
func First(set []netip.AddrPort) netip.AddrPort {
	if len(set) == 0 {
		return netip.AddrPort{}
	}
	return set[0]
}
