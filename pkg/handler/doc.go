// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler turns the proxy event stream into callbacks.
//
// # Data Flow
//
//	TCP/UDP engine → Proxy event sink → Consume → Dispatch → Handler
//
// Consume reads an l4proxy event channel and calls the Handler method that
// matches each event:
//   - OnConnect: tcp.Connection
//   - OnDisconnect: tcp.Disconnection
//   - OnMessage: tcp.Message and udp.Message
//   - OnError: tcp.ConnectionError, tcp.MessageError, udp.SendError and
//     udp.RecvError, tagged with an ErrorKind
//
// Handlers run on the consuming goroutine. A slow handler slows the
// engines down through the bounded event channels; it never loses events.
//
// # Composition
//
// Chain fans one event out to several handlers, for example a logging
// handler and the Prometheus metrics:
//
//	h := handler.Chain{simple.New(logger), metrics.New("l4proxy")}
//	go handler.Consume(ctx, events, h, logger)
//
// NoopHandler can be embedded to implement only some callbacks.
package handler
