// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP forwarding engine of l4proxy.
//
// # Overview
//
// The server binds one socket and relays client datagrams to the remote
// address set. A datagram is treated as a reply when its origin matches one
// of the remote addresses; IPv4 and IPv4-mapped IPv6 forms compare equal,
// ports must match exactly.
//
// # Modes
//
// ModeSession (default) keys exchanges by client address:
//
//	┌─────────┐         ┌──────────────┐  session socket  ┌─────────┐
//	│ Client  │ ←─UDP─→ │    Server    │ ←──────UDP─────→ │ Remote  │
//	└─────────┘         └──────────────┘                  └─────────┘
//
// Each client gets a Session with its own upstream socket and a reader
// goroutine relaying replies back through the listening socket. Sessions
// expire after SessionTimeout of inactivity and MaxSessions caps the table.
//
// ModeExchange processes one request/reply cycle at a time on the
// listening socket:
//
//	AwaitingClientMessage → ForwardedToRemote → AwaitingReply → Done
//
// Datagrams from non-remote origins that arrive while a reply is awaited
// are queued and become the next client messages in arrival order. A second
// client's request therefore waits until the current exchange completes.
//
// # Events
//
// Every relayed datagram emits a Message, once for the forward leg and once
// for the reply leg. Failed sends emit SendError and failed receives emit
// RecvError; neither stops the engine. Only closing the socket ends Run.
//
// # Example
//
//	srv, err := udp.New(ctx, udp.Config{
//		LocalAddrs:  []netip.AddrPort{netip.MustParseAddrPort("0.0.0.0:5353")},
//		RemoteAddrs: []netip.AddrPort{netip.MustParseAddrPort("10.0.0.5:53")},
//		Mode:        udp.ModeSession,
//	})
//	if err != nil {
//		return err
//	}
//	return srv.Run(ctx)
package udp
