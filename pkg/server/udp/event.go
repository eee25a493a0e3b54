// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import "net/netip"

// Event is one occurrence observed by the UDP engine. The concrete types
// are Message, SendError and RecvError.
type Event interface {
	udpEvent()
}

// Message is emitted for every datagram relayed, once for the forward leg
// and once for the reply leg of an exchange.
type Message struct {
	SessionID string
	FromAddr  netip.AddrPort
	LocalAddr netip.AddrPort
	ToAddr    netip.AddrPort
	Message   string
	Size      int
}

// SendError is emitted when a datagram could not be sent to its destination.
type SendError struct {
	SessionID string
	FromAddr  netip.AddrPort
	LocalAddr netip.AddrPort
	ToAddr    netip.AddrPort
	Err       error
}

// RecvError is emitted when a receive fails or a client datagram is refused.
// SessionID is empty for errors on the listening socket outside an exchange.
type RecvError struct {
	SessionID string
	LocalAddr netip.AddrPort
	Err       error
}

func (Message) udpEvent()   {}
func (SendError) udpEvent() {}
func (RecvError) udpEvent() {}
