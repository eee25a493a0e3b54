// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/l4proxy"
	"github.com/absmach/l4proxy/pkg/server/tcp"
	"github.com/absmach/l4proxy/pkg/server/udp"
)

// Dispatch calls the Handler method matching ev.
func Dispatch(ctx context.Context, h Handler, ev l4proxy.Event) error {
	switch e := ev.(type) {
	case l4proxy.TCPEvent:
		return dispatchTCP(ctx, h, e.Event)
	case l4proxy.UDPEvent:
		return dispatchUDP(ctx, h, e.Event)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

func dispatchTCP(ctx context.Context, h Handler, ev tcp.Event) error {
	switch e := ev.(type) {
	case tcp.Connection:
		return h.OnConnect(ctx, &Context{
			SessionID:  e.SessionID,
			Protocol:   "tcp",
			ClientAddr: e.ClientAddr,
			LocalAddr:  e.LocalAddr,
			RemoteAddr: e.RemoteAddr,
		})
	case tcp.Disconnection:
		return h.OnDisconnect(ctx, &Context{
			SessionID:  e.SessionID,
			Protocol:   "tcp",
			ClientAddr: e.ClientAddr,
			LocalAddr:  e.LocalAddr,
			RemoteAddr: e.RemoteAddr,
		})
	case tcp.Message:
		hctx := &Context{SessionID: e.SessionID, Protocol: "tcp", LocalAddr: e.LocalAddr}
		return h.OnMessage(ctx, hctx, Message{
			FromAddr: e.FromAddr,
			ToAddr:   e.ToAddr,
			Text:     e.Message,
			Size:     e.Size,
		})
	case tcp.MessageError:
		hctx := &Context{SessionID: e.SessionID, Protocol: "tcp", LocalAddr: e.LocalAddr}
		return h.OnError(ctx, hctx, ErrorMessage, e.Err)
	case tcp.ConnectionError:
		hctx := &Context{Protocol: "tcp", LocalAddr: e.LocalAddr}
		return h.OnError(ctx, hctx, ErrorConnection, e.Err)
	default:
		return fmt.Errorf("unknown tcp event %T", ev)
	}
}

func dispatchUDP(ctx context.Context, h Handler, ev udp.Event) error {
	switch e := ev.(type) {
	case udp.Message:
		hctx := &Context{SessionID: e.SessionID, Protocol: "udp", LocalAddr: e.LocalAddr}
		return h.OnMessage(ctx, hctx, Message{
			FromAddr: e.FromAddr,
			ToAddr:   e.ToAddr,
			Text:     e.Message,
			Size:     e.Size,
		})
	case udp.SendError:
		hctx := &Context{
			SessionID:  e.SessionID,
			Protocol:   "udp",
			ClientAddr: e.FromAddr,
			LocalAddr:  e.LocalAddr,
			RemoteAddr: e.ToAddr,
		}
		return h.OnError(ctx, hctx, ErrorSend, e.Err)
	case udp.RecvError:
		hctx := &Context{SessionID: e.SessionID, Protocol: "udp", LocalAddr: e.LocalAddr}
		return h.OnError(ctx, hctx, ErrorRecv, e.Err)
	default:
		return fmt.Errorf("unknown udp event %T", ev)
	}
}

// Consume dispatches events to h until events is closed or ctx is done.
// Handler errors are logged and do not stop consumption.
func Consume(ctx context.Context, events <-chan l4proxy.Event, h Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := Dispatch(ctx, h, ev); err != nil {
				logger.Warn("event handler error",
					slog.String("event", fmt.Sprintf("%T", ev)),
					slog.String("error", err.Error()))
			}
		}
	}
}
