// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"net/netip"
)

// ErrorKind tells which operation an error reported to OnError came from.
type ErrorKind string

const (
	// ErrorConnection is a failed TCP accept or remote connect.
	ErrorConnection ErrorKind = "connection"

	// ErrorMessage is a failed TCP read or write.
	ErrorMessage ErrorKind = "message"

	// ErrorSend is a failed UDP send.
	ErrorSend ErrorKind = "send"

	// ErrorRecv is a failed or refused UDP receive.
	ErrorRecv ErrorKind = "recv"
)

// Context contains the session metadata of an event.
type Context struct {
	// SessionID correlates the events of one TCP connection or UDP session.
	// It is empty for errors raised outside a session.
	SessionID string

	// Protocol is "tcp" or "udp".
	Protocol string

	// ClientAddr is the client's address where known.
	ClientAddr netip.AddrPort

	// LocalAddr is the proxy address the event was observed on.
	LocalAddr netip.AddrPort

	// RemoteAddr is the remote's address where known.
	RemoteAddr netip.AddrPort
}

// Message describes one relayed chunk or datagram.
type Message struct {
	FromAddr netip.AddrPort
	ToAddr   netip.AddrPort

	// Text is the payload decoded as text with invalid sequences replaced.
	Text string

	// Size is the number of raw bytes relayed.
	Size int
}

// Handler defines notification callbacks for proxy events.
//
// Callbacks observe traffic that has already been relayed; they cannot
// reject or modify it. Errors returned from them are logged by Consume
// and never affect forwarding.
type Handler interface {
	// OnConnect is called after a TCP client has been connected to a remote.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnMessage is called for every relayed TCP chunk and UDP datagram.
	OnMessage(ctx context.Context, hctx *Context, msg Message) error

	// OnError is called for every failed operation.
	OnError(ctx context.Context, hctx *Context, kind ErrorKind, err error) error

	// OnDisconnect is called after both directions of a TCP connection finished.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that ignores all events.
// Useful for testing or as an embedded base.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnMessage(ctx context.Context, hctx *Context, msg Message) error {
	return nil
}

func (h *NoopHandler) OnError(ctx context.Context, hctx *Context, kind ErrorKind, err error) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

// Chain calls every handler in order and joins their errors.
type Chain []Handler

var _ Handler = Chain(nil)

func (c Chain) OnConnect(ctx context.Context, hctx *Context) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnConnect(ctx, hctx))
	}
	return errors.Join(errs...)
}

func (c Chain) OnMessage(ctx context.Context, hctx *Context, msg Message) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnMessage(ctx, hctx, msg))
	}
	return errors.Join(errs...)
}

func (c Chain) OnError(ctx context.Context, hctx *Context, kind ErrorKind, err error) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnError(ctx, hctx, kind, err))
	}
	return errors.Join(errs...)
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnDisconnect(ctx, hctx))
	}
	return errors.Join(errs...)
}
