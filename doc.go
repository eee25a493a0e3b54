// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package l4proxy is a transport-layer forwarding proxy. It relays TCP
// streams and UDP datagrams between local listen addresses and an ordered
// set of remote addresses without interpreting the carried protocol, and
// reports what it relays as events.
//
// # Architecture
//
//	                  ┌────────────┐
//	          ┌──────→│ TCP engine │──────┐
//	┌───────┐ │       └────────────┘      │ ┌────────────┐     ┌──────┐
//	│ Proxy │─┤                           ├→│ aggregator │ ──→ │ sink │
//	└───────┘ │       ┌────────────┐      │ └────────────┘     └──────┘
//	          └──────→│ UDP engine │──────┘
//	                  └────────────┘
//
// New resolves the address specifications and binds both engines; failures
// are returned there and nothing starts. Run runs both engines once. When
// either engine stops, the other is aborted without draining and Run
// returns; cancelling the context stops both gracefully.
//
// # Events
//
// When Config.Events is set, every engine event is delivered on it wrapped
// in TCPEvent or UDPEvent. Events of one engine keep their order. A full
// sink slows the engines down instead of dropping events. The sink must
// not be closed before Run returns.
//
// # Example
//
//	events := make(chan l4proxy.Event, 64)
//	p, err := l4proxy.New(ctx, l4proxy.Config{
//		LocalAddrs:  []string{"127.0.0.1:8000"},
//		RemoteAddrs: []string{"127.0.0.1:3000"},
//		Events:      events,
//	})
//	if err != nil {
//		return err
//	}
//	go handler.Consume(ctx, events, simple.New(logger))
//	return p.Run(ctx)
package l4proxy
