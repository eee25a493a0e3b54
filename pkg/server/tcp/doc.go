// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP forwarding engine of l4proxy.
//
// # Overview
//
// The server binds the first bindable local address, accepts clients and
// connects each one to the first reachable remote address. Bytes are copied
// unchanged in both directions and every relayed chunk is reported as an
// Event.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ←─TCP─→ │ Remote  │
//	└─────────┘         └─────────┘         └─────────┘
//	                         ↓
//	                    ┌─────────┐
//	                    │ Events  │
//	                    └─────────┘
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Server dials the remote addresses in order, keeping the first success
//  3. Server emits Connection
//  4. Server spawns two goroutines:
//     - Upstream: Client → Remote
//     - Downstream: Remote → Client
//  5. The first direction to finish cancels the other
//  6. Server emits Disconnection and closes both connections
//
// A failed dial emits ConnectionError and no Connection or Disconnection.
//
// # Event Ordering
//
// For one session, Connection precedes every Message and MessageError, and
// Disconnection follows all of them. Messages of one direction are emitted
// in relay order.
//
// # Backpressure
//
// Events are sent on Config.Events and block while the channel is full, so
// a slow consumer slows forwarding rather than losing events.
//
// # Graceful Shutdown
//
// When the context passed to Run is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout)
//  3. After ShutdownTimeout, forcefully closes remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// Abort skips the wait and closes existing connections at once.
//
// # Example
//
//	srv, err := tcp.New(ctx, tcp.Config{
//		LocalAddrs:  []netip.AddrPort{netip.MustParseAddrPort("0.0.0.0:8000")},
//		RemoteAddrs: []netip.AddrPort{netip.MustParseAddrPort("10.0.0.5:9000")},
//		Events:      events,
//	})
//	if err != nil {
//		return err
//	}
//	return srv.Run(ctx)
package tcp
