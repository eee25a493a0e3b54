// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolve turns host/port specifications into ordered socket
// address lists before any engine is constructed.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/absmach/l4proxy/pkg/errors"
)

// Resolver resolves "host:port" specifications.
type Resolver struct {
	// Network is "tcp" or "udp"; it selects the service-name table for ports.
	Network string

	// Lookup performs name resolution. If nil, net.DefaultResolver is used.
	Lookup *net.Resolver
}

// New returns a Resolver for network using the default system resolver.
func New(network string) *Resolver {
	return &Resolver{Network: network}
}

// Resolve resolves every spec in order and concatenates the results.
// An empty host resolves to the IPv6 and IPv4 unspecified addresses.
func (r *Resolver) Resolve(ctx context.Context, specs ...string) ([]netip.AddrPort, error) {
	var addrs []netip.AddrPort
	for _, spec := range specs {
		resolved, err := r.resolveOne(ctx, spec)
		if err != nil {
			return nil, errors.New("resolve", r.Network, spec, fmt.Errorf("%w: %w", errors.ErrResolve, err))
		}
		addrs = append(addrs, resolved...)
	}
	return addrs, nil
}

func (r *Resolver) resolveOne(ctx context.Context, spec string) ([]netip.AddrPort, error) {
	host, portStr, err := split(spec)
	if err != nil {
		return nil, err
	}

	lookup := r.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver
	}

	port, err := lookup.LookupPort(ctx, r.Network, portStr)
	if err != nil {
		return nil, err
	}

	if host == "" {
		return []netip.AddrPort{
			netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port)),
			netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)),
		}, nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), uint16(port))}, nil
	}

	ips, err := lookup.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for host %q", host)
	}

	addrs := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	return addrs, nil
}

// split accepts "host:port", "[v6]:port", ":port" and bare IPv6 with a
// trailing port such as ":::8000".
func split(spec string) (string, string, error) {
	spec = strings.TrimSpace(spec)
	host, port, err := net.SplitHostPort(spec)
	if err == nil {
		return host, port, nil
	}

	i := strings.LastIndexByte(spec, ':')
	if i < 0 {
		return "", "", fmt.Errorf("missing port in address %q", spec)
	}
	host, port = spec[:i], spec[i+1:]
	if _, perr := netip.ParseAddr(host); perr != nil {
		return "", "", err
	}
	return host, port, nil
}
