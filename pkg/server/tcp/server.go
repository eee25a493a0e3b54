// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/l4proxy/pkg/breaker"
	perrors "github.com/absmach/l4proxy/pkg/errors"
	"github.com/absmach/l4proxy/pkg/netaddr"
	"github.com/absmach/l4proxy/pkg/payload"
	"github.com/absmach/l4proxy/pkg/ratelimit"
	"github.com/absmach/l4proxy/pkg/sockopt"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBufferSize is the default size of each direction's read buffer.
	DefaultBufferSize = payload.DefaultBufferSize

	// DefaultShutdownTimeout is the default time Run waits for connections to drain.
	DefaultShutdownTimeout = 30 * time.Second

	maxAcceptDelay = time.Second
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("tcp server already running")

	aLongTimeAgo = time.Unix(1, 0)
)

// Config holds the TCP server configuration.
type Config struct {
	// LocalAddrs are the listen candidates; the first that binds is used.
	LocalAddrs []netip.AddrPort

	// RemoteAddrs are tried in order for every accepted client.
	RemoteAddrs []netip.AddrPort

	// BufferSize is the read buffer size per direction. If 0, uses DefaultBufferSize.
	BufferSize int

	// DialTimeout bounds each remote connect attempt. If 0, no timeout is applied.
	DialTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// once the listener has stopped. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// SocketOptions are applied to the listening socket.
	SocketOptions sockopt.Options

	// Breaker optionally guards remote connects.
	Breaker *breaker.CircuitBreaker

	// Limiter optionally limits accepted connections per client IP.
	Limiter *ratelimit.Limiter

	// Events receives lifecycle and error events. Sends block while the
	// channel is full. If nil, events are discarded.
	Events chan<- Event

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts TCP clients and pipes each one to the first reachable
// remote address.
type Server struct {
	config   Config
	listener net.Listener
	addr     netip.AddrPort
	buffers  *payload.Pool
	wg       sync.WaitGroup
	started  atomic.Bool
	running  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}

	abort     chan struct{}
	abortOnce sync.Once
}

// New binds the listener and returns a server ready to Run. Bind failures
// are returned here; the server never starts in that case.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(cfg.LocalAddrs) == 0 {
		return nil, perrors.New("bind", "tcp", "", perrors.ErrNoLocal)
	}
	if len(cfg.RemoteAddrs) == 0 {
		return nil, perrors.New("configure", "tcp", "", perrors.ErrNoRemote)
	}

	listener, err := listen(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:   cfg,
		listener: listener,
		addr:     netaddr.FromAddr(listener.Addr()),
		buffers:  payload.NewPool(cfg.BufferSize),
		done:     make(chan struct{}),
		abort:    make(chan struct{}),
	}, nil
}

func listen(ctx context.Context, cfg Config) (net.Listener, error) {
	var errs []error
	for _, addr := range cfg.LocalAddrs {
		ln, err := cfg.SocketOptions.Listen(ctx, addr.String())
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	return nil, perrors.New("bind", "tcp", cfg.LocalAddrs[0].String(), perrors.Join(perrors.ErrBind, errs...))
}

// Addr returns the bound listen address.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Close closes the listener, which makes Run stop accepting and drain.
func (s *Server) Close() error {
	s.closed.Store(true)
	return s.listener.Close()
}

// Abort stops the server like Close, but force-closes in-flight
// connections instead of waiting for them to drain. It may be called
// before or during Run, including while Run is already draining.
func (s *Server) Abort() error {
	s.abortOnce.Do(func() { close(s.abort) })
	return s.Close()
}

// Run accepts clients until the listener fails or ctx is cancelled, then
// waits for in-flight connections to drain. It returns nil on a requested
// stop and the listener error otherwise.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	stop := context.AfterFunc(ctx, func() {
		s.closed.Store(true)
		_ = s.listener.Close()
	})
	defer stop()

	// Connections outlive ctx so they can drain; connCancel force-closes them.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	s.config.Logger.Info("TCP server started",
		slog.String("address", s.addr.String()),
		slog.Any("remotes", s.config.RemoteAddrs),
		slog.Int("buffer_size", s.config.BufferSize))

	s.running.Store(true)
	err := s.acceptLoop(ctx, connCtx)
	s.running.Store(false)
	_ = s.listener.Close()

	if err != nil {
		s.config.Logger.Error("TCP listener failed",
			slog.String("address", s.addr.String()),
			slog.String("error", err.Error()))
	} else {
		s.config.Logger.Info("TCP listener closed", slog.String("address", s.addr.String()))
	}

	// Wait for active connections to drain with timeout
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.config.Logger.Debug("all connections closed gracefully")
		return err
	case <-s.abort:
		s.config.Logger.Debug("server aborted, closing connections")
		connCancel()
		select {
		case <-drained:
		case <-time.After(time.Second):
		}
		return err
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-drained:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) acceptLoop(ctx, connCtx context.Context) error {
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if s.closed.Load() {
					return nil
				}
				return fmt.Errorf("accept on %s: %w", s.addr, err)
			}

			// Anything short of a closed listener is reported and retried.
			s.emit(ConnectionError{LocalAddr: s.addr, Err: err})
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			delay = min(delay, maxAcceptDelay)
			s.config.Logger.Warn("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(connCtx, conn)
		}()
	}
}

// handleConn runs one client session:
// 1. Admits the client if a limiter is configured
// 2. Connects to the remote set in order
// 3. Pipes both directions until either ends
// 4. Reports the disconnection
func (s *Server) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()

	clientAddr := netaddr.FromAddr(client.RemoteAddr())

	if s.config.Limiter != nil && !s.config.Limiter.Allow(clientAddr.Addr()) {
		s.config.Logger.Debug("connection rate limited", slog.String("client", clientAddr.String()))
		s.emit(ConnectionError{
			LocalAddr: s.addr,
			Err:       perrors.New("accept", "tcp", clientAddr.String(), perrors.ErrRateLimited),
		})
		return
	}

	remote, err := s.connect(ctx)
	if err != nil {
		s.config.Logger.Debug("failed to connect remote",
			slog.String("client", clientAddr.String()),
			slog.String("error", err.Error()))
		s.emit(ConnectionError{LocalAddr: s.addr, Err: err})
		return
	}
	defer remote.Close()

	sessionID := uuid.NewString()
	remoteAddr := netaddr.FromAddr(remote.RemoteAddr())

	s.emit(Connection{
		SessionID:  sessionID,
		ClientAddr: clientAddr,
		LocalAddr:  s.addr,
		RemoteAddr: remoteAddr,
	})
	s.config.Logger.Debug("connection established",
		slog.String("session", sessionID),
		slog.String("client", clientAddr.String()),
		slog.String("remote", remoteAddr.String()))

	s.forward(ctx, sessionID, client, remote, clientAddr, remoteAddr)

	s.emit(Disconnection{
		SessionID:  sessionID,
		ClientAddr: clientAddr,
		LocalAddr:  s.addr,
		RemoteAddr: remoteAddr,
	})
	s.config.Logger.Debug("connection closed", slog.String("session", sessionID))
}

// connect dials the remote candidates in order and returns the first
// connection that succeeds.
func (s *Server) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	dial := func() error {
		d := net.Dialer{Timeout: s.config.DialTimeout}
		var errs []error
		for _, addr := range s.config.RemoteAddrs {
			c, err := d.DialContext(ctx, "tcp", addr.String())
			if err == nil {
				conn = c
				return nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return perrors.Join(perrors.ErrBackendUnavailable, errs...)
	}

	var err error
	if s.config.Breaker != nil {
		err = s.config.Breaker.Call(dial)
	} else {
		err = dial()
	}
	return conn, err
}

// forward pipes client and remote in both directions. The first direction
// to finish cancels the shared context. Cancellation sets both connection
// deadlines to aLongTimeAgo, so the blocked read or write of the other
// direction fails at once and that direction returns without an event.
func (s *Server) forward(ctx context.Context, sessionID string, client, remote net.Conn, clientAddr, remoteAddr netip.AddrPort) {
	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(pipeCtx, func() {
		_ = client.SetDeadline(aLongTimeAgo)
		_ = remote.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	var g errgroup.Group

	// Upstream: client → remote
	g.Go(func() error {
		defer cancel()
		s.pipe(pipeCtx, sessionID, client, remote, clientAddr, remoteAddr)
		return nil
	})

	// Downstream: remote → client
	g.Go(func() error {
		defer cancel()
		s.pipe(pipeCtx, sessionID, remote, client, remoteAddr, clientAddr)
		return nil
	})

	_ = g.Wait()
}

// pipe copies src to dst one read at a time, reporting every relayed chunk.
// It returns on EOF, on error, or once ctx is cancelled.
func (s *Server) pipe(ctx context.Context, sessionID string, src, dst net.Conn, from, to netip.AddrPort) {
	bufPtr := s.buffers.Get()
	defer s.buffers.Put(bufPtr)
	buf := *bufPtr

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if ctx.Err() == nil {
					s.emit(MessageError{
						SessionID: sessionID,
						FromAddr:  from,
						LocalAddr: s.addr,
						ToAddr:    to,
						Err:       perrors.Wrap(werr, "write"),
					})
				}
				return
			}
			s.emit(Message{
				SessionID: sessionID,
				FromAddr:  from,
				LocalAddr: s.addr,
				ToAddr:    to,
				Message:   payload.Text(buf[:n]),
				Size:      n,
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			s.emit(MessageError{
				SessionID: sessionID,
				FromAddr:  from,
				LocalAddr: s.addr,
				ToAddr:    to,
				Err:       perrors.Wrap(err, "read"),
			})
			return
		}
	}
}

// emit delivers ev, blocking while the channel is full. Once Run has
// returned, pending emits give up instead of blocking.
func (s *Server) emit(ev Event) {
	if s.config.Events == nil {
		return
	}
	select {
	case s.config.Events <- ev:
	case <-s.done:
	}
}
