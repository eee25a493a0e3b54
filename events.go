// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package l4proxy

import (
	"sync"

	"github.com/absmach/l4proxy/pkg/server/tcp"
	"github.com/absmach/l4proxy/pkg/server/udp"
)

// Event is an event of either engine. The concrete types are TCPEvent and
// UDPEvent.
type Event interface {
	event()
}

// TCPEvent wraps an event of the TCP engine.
type TCPEvent struct {
	tcp.Event
}

// UDPEvent wraps an event of the UDP engine.
type UDPEvent struct {
	udp.Event
}

func (TCPEvent) event() {}
func (UDPEvent) event() {}

// aggregator merges the engine event channels into the caller's sink.
// Events of one engine keep their order; events of the two engines are
// interleaved in arrival order.
type aggregator struct {
	tcp  chan tcp.Event
	udp  chan udp.Event
	sink chan<- Event
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newAggregator(sink chan<- Event) *aggregator {
	size := max(cap(sink), 1)
	return &aggregator{
		tcp:  make(chan tcp.Event, size),
		udp:  make(chan udp.Event, size),
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// run forwards events until shutdown is called. A forward blocked on a
// full sink is abandoned on shutdown.
func (a *aggregator) run() {
	defer close(a.done)

	for {
		var ev Event
		select {
		case <-a.stop:
			a.flush()
			return
		case e := <-a.tcp:
			ev = TCPEvent{e}
		case e := <-a.udp:
			ev = UDPEvent{e}
		}

		select {
		case a.sink <- ev:
		case <-a.stop:
			return
		}
	}
}

// flush hands over events still buffered at shutdown as long as the sink
// accepts them without blocking.
func (a *aggregator) flush() {
	for {
		var ev Event
		select {
		case e := <-a.tcp:
			ev = TCPEvent{e}
		case e := <-a.udp:
			ev = UDPEvent{e}
		default:
			return
		}

		select {
		case a.sink <- ev:
		default:
			return
		}
	}
}

// shutdown stops run and waits for it to return.
func (a *aggregator) shutdown() {
	a.once.Do(func() { close(a.stop) })
	<-a.done
}
