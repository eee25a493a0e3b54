// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package l4proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/absmach/l4proxy/pkg/health"
	"github.com/absmach/l4proxy/pkg/resolve"
	"github.com/absmach/l4proxy/pkg/server/tcp"
	"github.com/absmach/l4proxy/pkg/server/udp"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("proxy already running")

	errTCPStopped = errors.New("tcp engine not running")
	errUDPStopped = errors.New("udp engine not running")
)

// Proxy runs one TCP engine and one UDP engine over the same listen and
// remote specifications.
type Proxy struct {
	tcp     *tcp.Server
	udp     *udp.Server
	events  *aggregator
	logger  *slog.Logger
	started atomic.Bool
}

// New resolves the configured addresses and binds both engines. Any
// resolution or bind failure is returned and no engine is left bound.
func New(ctx context.Context, cfg Config) (*Proxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tcpLocal, tcpRemote, err := resolveAll(ctx, "tcp", cfg)
	if err != nil {
		return nil, err
	}
	udpLocal, udpRemote, err := resolveAll(ctx, "udp", cfg)
	if err != nil {
		return nil, err
	}

	var (
		events    *aggregator
		tcpEvents chan<- tcp.Event
		udpEvents chan<- udp.Event
	)
	if cfg.Events != nil {
		events = newAggregator(cfg.Events)
		tcpEvents = events.tcp
		udpEvents = events.udp
	}

	tcpSrv, err := tcp.New(ctx, tcp.Config{
		LocalAddrs:      tcpLocal,
		RemoteAddrs:     tcpRemote,
		BufferSize:      cfg.BufferSize,
		DialTimeout:     cfg.DialTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		SocketOptions:   cfg.SocketOptions(),
		Breaker:         cfg.Breaker,
		Limiter:         cfg.Limiter,
		Events:          tcpEvents,
		Logger:          cfg.Logger.With(slog.String("protocol", "tcp")),
	})
	if err != nil {
		return nil, err
	}

	udpSrv, err := udp.New(ctx, udp.Config{
		LocalAddrs:     udpLocal,
		RemoteAddrs:    udpRemote,
		Mode:           cfg.UDPMode,
		BufferSize:     cfg.BufferSize,
		ReplyTimeout:   cfg.ReplyTimeout,
		SessionTimeout: cfg.SessionTimeout,
		MaxSessions:    cfg.MaxSessions,
		SocketOptions:  cfg.SocketOptions(),
		Limiter:        cfg.Limiter,
		Events:         udpEvents,
		Logger:         cfg.Logger.With(slog.String("protocol", "udp")),
	})
	if err != nil {
		_ = tcpSrv.Close()
		return nil, err
	}

	return &Proxy{
		tcp:    tcpSrv,
		udp:    udpSrv,
		events: events,
		logger: cfg.Logger,
	}, nil
}

func resolveAll(ctx context.Context, network string, cfg Config) (local, remote []netip.AddrPort, err error) {
	r := resolve.New(network)
	if local, err = r.Resolve(ctx, cfg.LocalAddrs...); err != nil {
		return nil, nil, err
	}
	if remote, err = r.Resolve(ctx, cfg.RemoteAddrs...); err != nil {
		return nil, nil, err
	}
	return local, remote, nil
}

// TCPAddr returns the bound TCP listen address.
func (p *Proxy) TCPAddr() netip.AddrPort {
	return p.tcp.Addr()
}

// UDPAddr returns the bound UDP socket address.
func (p *Proxy) UDPAddr() netip.AddrPort {
	return p.udp.Addr()
}

// Run runs both engines until either stops or ctx is cancelled, and may
// be called only once.
//
// When an engine stops on its own, the other is aborted without draining
// its connections and Run returns promptly with the first engine's
// result. When ctx is cancelled both engines stop gracefully; the TCP
// engine drains in-flight connections up to its ShutdownTimeout. Run
// returns the first engine error, or nil if both stopped on request.
func (p *Proxy) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if p.events != nil {
		go p.events.run()
		defer p.events.shutdown()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.logger.Info("proxy started",
		slog.String("tcp_address", p.tcp.Addr().String()),
		slog.String("udp_address", p.udp.Addr().String()))

	stopped := make(chan string, 2)
	var g errgroup.Group
	g.Go(func() error {
		defer func() { stopped <- "tcp" }()
		return p.tcp.Run(ctx)
	})
	g.Go(func() error {
		defer func() { stopped <- "udp" }()
		return p.udp.Run(ctx)
	})

	first := <-stopped
	if ctx.Err() == nil {
		p.logger.Warn("engine stopped, aborting the other", slog.String("engine", first))
		if first == "udp" {
			_ = p.tcp.Abort()
		} else {
			_ = p.udp.Close()
		}
	}
	cancel()

	err := g.Wait()
	if err != nil {
		p.logger.Error("proxy stopped", slog.String("error", err.Error()))
	} else {
		p.logger.Info("proxy stopped")
	}
	return err
}

// RegisterHealth registers one check per engine that fails once the
// engine has stopped.
func (p *Proxy) RegisterHealth(c *health.Checker) {
	c.Register("tcp", func(context.Context) error {
		if !p.tcp.Running() {
			return errTCPStopped
		}
		return nil
	})
	c.Register("udp", func(context.Context) error {
		if !p.udp.Running() {
			return errUDPStopped
		}
		return nil
	})
}

// UDPSessions returns the number of live UDP client sessions.
func (p *Proxy) UDPSessions() int {
	return p.udp.Sessions()
}
