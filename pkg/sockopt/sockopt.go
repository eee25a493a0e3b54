// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sockopt applies socket options to listeners and packet sockets
// before they are bound.
package sockopt

import (
	"context"
	"net"
	"syscall"
)

// Options holds the socket options shared by the TCP and UDP engines.
type Options struct {
	// ReusePort sets SO_REUSEPORT so several processes can bind the same address.
	ReusePort bool

	// ReadBufferSize sets SO_RCVBUF. If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets SO_SNDBUF. If 0, uses system default.
	WriteBufferSize int
}

// IsZero reports whether no option is set.
func (o Options) IsZero() bool {
	return o == Options{}
}

// ListenConfig returns a net.ListenConfig that applies o to every socket it creates.
func (o Options) ListenConfig() net.ListenConfig {
	if o.IsZero() {
		return net.ListenConfig{}
	}
	return net.ListenConfig{Control: o.control}
}

// Listen binds a TCP listener on address with o applied.
func (o Options) Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := o.ListenConfig()
	return lc.Listen(ctx, "tcp", address)
}

// ListenPacket binds a UDP socket on address with o applied.
func (o Options) ListenPacket(ctx context.Context, address string) (*net.UDPConn, error) {
	lc := o.ListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func (o Options) control(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = apply(fd, o)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
