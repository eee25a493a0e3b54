// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package l4proxy

import (
	"log/slog"
	"time"

	"github.com/absmach/l4proxy/pkg/breaker"
	"github.com/absmach/l4proxy/pkg/ratelimit"
	"github.com/absmach/l4proxy/pkg/server/udp"
	"github.com/absmach/l4proxy/pkg/sockopt"
	"github.com/caarlos0/env/v11"
)

// Config holds the proxy configuration. Tagged fields can be loaded from
// the environment with NewConfig; the rest are wired in code.
type Config struct {
	// LocalAddrs are the "host:port" listen specifications shared by both
	// engines. An empty host listens on every interface.
	LocalAddrs []string `env:"LOCAL_ADDRS" envSeparator:"," envDefault:":8000"`

	// RemoteAddrs are the "host:port" remote specifications, tried in order.
	RemoteAddrs []string `env:"REMOTE_ADDRS" envSeparator:","`

	// BufferSize is the TCP read buffer and UDP receive buffer size in bytes.
	BufferSize int `env:"BUFFER_SIZE" envDefault:"1024"`

	// DialTimeout bounds each TCP remote connect attempt. 0 means no timeout.
	DialTimeout time.Duration `env:"TCP_DIAL_TIMEOUT" envDefault:"0s"`

	// ShutdownTimeout bounds how long TCP connections may drain on stop.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// UDPMode selects session or exchange relaying.
	UDPMode udp.Mode `env:"UDP_MODE" envDefault:"session"`

	// SessionTimeout is the UDP session idle timeout.
	SessionTimeout time.Duration `env:"UDP_SESSION_TIMEOUT" envDefault:"30s"`

	// MaxSessions caps concurrent UDP sessions. 0 means unlimited.
	MaxSessions int `env:"UDP_MAX_SESSIONS" envDefault:"0"`

	// ReplyTimeout bounds the wait for a reply in UDP exchange mode. 0 waits forever.
	ReplyTimeout time.Duration `env:"UDP_REPLY_TIMEOUT" envDefault:"0s"`

	// ReusePort sets SO_REUSEPORT on both listening sockets.
	ReusePort bool `env:"REUSE_PORT" envDefault:"false"`

	// ReadBufferSize sets SO_RCVBUF on both listening sockets. 0 keeps the system default.
	ReadBufferSize int `env:"SOCKET_READ_BUFFER" envDefault:"0"`

	// WriteBufferSize sets SO_SNDBUF on both listening sockets. 0 keeps the system default.
	WriteBufferSize int `env:"SOCKET_WRITE_BUFFER" envDefault:"0"`

	// Events optionally receives every event of both engines. Its capacity
	// is the delivery capacity of each engine.
	Events chan<- Event

	// Breaker optionally guards TCP remote connects.
	Breaker *breaker.CircuitBreaker

	// Limiter optionally limits TCP connections and UDP datagrams per client IP.
	Limiter *ratelimit.Limiter

	// Logger for proxy events
	Logger *slog.Logger
}

// NewConfig loads the tagged fields of Config from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// SocketOptions returns the socket options shared by both engines.
func (c Config) SocketOptions() sockopt.Options {
	return sockopt.Options{
		ReusePort:       c.ReusePort,
		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
	}
}
