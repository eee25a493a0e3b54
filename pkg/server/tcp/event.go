// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import "net/netip"

// Event is one occurrence observed by the TCP engine. The concrete types
// are Connection, ConnectionError, Disconnection, Message and MessageError.
type Event interface {
	tcpEvent()
}

// Connection is emitted once the remote side of a client connection is established.
type Connection struct {
	SessionID  string
	ClientAddr netip.AddrPort
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}

// ConnectionError is emitted when accepting a client or connecting to the
// remote set fails. No Connection or Disconnection follows it.
type ConnectionError struct {
	LocalAddr netip.AddrPort
	Err       error
}

// Disconnection is emitted after both forwarding directions of a session have finished.
type Disconnection struct {
	SessionID  string
	ClientAddr netip.AddrPort
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}

// Message is emitted for every chunk relayed in either direction. Message
// holds the chunk decoded as text; Size is the number of raw bytes relayed.
type Message struct {
	SessionID string
	FromAddr  netip.AddrPort
	LocalAddr netip.AddrPort
	ToAddr    netip.AddrPort
	Message   string
	Size      int
}

// MessageError is emitted when a read or write ends one forwarding direction.
type MessageError struct {
	SessionID string
	FromAddr  netip.AddrPort
	LocalAddr netip.AddrPort
	ToAddr    netip.AddrPort
	Err       error
}

func (Connection) tcpEvent()      {}
func (ConnectionError) tcpEvent() {}
func (Disconnection) tcpEvent()   {}
func (Message) tcpEvent()         {}
func (MessageError) tcpEvent()    {}
