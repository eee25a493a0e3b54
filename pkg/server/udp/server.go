// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/absmach/l4proxy/pkg/errors"
	"github.com/absmach/l4proxy/pkg/netaddr"
	"github.com/absmach/l4proxy/pkg/payload"
	"github.com/absmach/l4proxy/pkg/ratelimit"
	"github.com/absmach/l4proxy/pkg/sockopt"
	"github.com/google/uuid"
)

const (
	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 30 * time.Second

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = payload.DefaultBufferSize

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = payload.MaxDatagramSize
)

// ErrAlreadyRunning is returned when Run is called more than once.
var ErrAlreadyRunning = errors.New("udp server already running")

// Mode selects how replies are matched to clients.
type Mode int

const (
	// ModeSession keys exchanges by client address. Every client gets its
	// own upstream socket so clients are relayed concurrently.
	ModeSession Mode = iota

	// ModeExchange relays one request/reply exchange at a time through the
	// listening socket. Datagrams that arrive from non-remote addresses
	// while a reply is awaited are queued and served afterwards in arrival
	// order.
	ModeExchange
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSession:
		return "session"
	case ModeExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "session" or "exchange".
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "session":
		*m = ModeSession
	case "exchange":
		*m = ModeExchange
	default:
		return fmt.Errorf("unknown UDP mode %q", text)
	}
	return nil
}

// Config holds the UDP server configuration.
type Config struct {
	// LocalAddrs are the bind candidates; the first that binds is used.
	LocalAddrs []netip.AddrPort

	// RemoteAddrs receive client datagrams; replies are accepted from any of them.
	RemoteAddrs []netip.AddrPort

	// Mode selects session or exchange relaying. Default is ModeSession.
	Mode Mode

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// ReplyTimeout bounds the wait for a reply in exchange mode.
	// If 0, the engine waits indefinitely.
	ReplyTimeout time.Duration

	// SessionTimeout is the idle timeout for UDP sessions
	// If no packets are received/sent for this duration, the session is closed
	SessionTimeout time.Duration

	// MaxSessions is the maximum number of concurrent UDP sessions allowed.
	// If 0, no limit is enforced. Default is 0 (unlimited).
	MaxSessions int

	// SocketOptions are applied to the listening socket.
	SocketOptions sockopt.Options

	// Limiter optionally limits client datagrams per client IP.
	Limiter *ratelimit.Limiter

	// Events receives relay and error events. Sends block while the
	// channel is full. If nil, events are discarded.
	Events chan<- Event

	// Logger for server events
	Logger *slog.Logger
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

// Server relays datagrams between clients and the remote set over one
// bound socket.
type Server struct {
	config   Config
	conn     *net.UDPConn
	addr     netip.AddrPort
	buffers  *payload.Pool
	sessions *SessionManager
	readers  sync.WaitGroup
	started  atomic.Bool
	running  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
}

// New binds the socket and returns a server ready to Run. Bind failures
// are returned here; the server never starts in that case.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if len(cfg.LocalAddrs) == 0 {
		return nil, perrors.New("bind", "udp", "", perrors.ErrNoLocal)
	}
	if len(cfg.RemoteAddrs) == 0 {
		return nil, perrors.New("configure", "udp", "", perrors.ErrNoRemote)
	}

	conn, err := bind(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:   cfg,
		conn:     conn,
		addr:     netaddr.FromAddr(conn.LocalAddr()),
		buffers:  payload.NewPool(cfg.BufferSize),
		sessions: NewSessionManager(cfg.Logger, cfg.MaxSessions),
		done:     make(chan struct{}),
	}, nil
}

func bind(ctx context.Context, cfg Config) (*net.UDPConn, error) {
	var errs []error
	for _, addr := range cfg.LocalAddrs {
		conn, err := cfg.SocketOptions.ListenPacket(ctx, addr.String())
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, perrors.New("bind", "udp", cfg.LocalAddrs[0].String(), perrors.Join(perrors.ErrBind, errs...))
}

// Addr returns the bound socket address.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// Running reports whether the receive loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Sessions returns the number of active client sessions.
func (s *Server) Sessions() int {
	return s.sessions.Count()
}

// Close closes the socket, which makes Run return.
func (s *Server) Close() error {
	s.closed.Store(true)
	return s.conn.Close()
}

// Run relays datagrams until the socket is closed or ctx is cancelled.
// It returns nil on a requested stop and the socket error otherwise.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	stop := context.AfterFunc(ctx, func() {
		s.closed.Store(true)
		_ = s.conn.Close()
	})
	defer stop()

	s.config.Logger.Info("UDP server started",
		slog.String("address", s.addr.String()),
		slog.Any("remotes", s.config.RemoteAddrs),
		slog.String("mode", s.config.Mode.String()),
		slog.Int("buffer_size", s.config.BufferSize))

	s.running.Store(true)
	var err error
	switch s.config.Mode {
	case ModeExchange:
		err = s.runExchange()
	default:
		err = s.runSessions()
	}
	s.running.Store(false)
	_ = s.conn.Close()

	if err != nil {
		s.config.Logger.Error("UDP socket failed",
			slog.String("address", s.addr.String()),
			slog.String("error", err.Error()))
		return err
	}
	s.config.Logger.Info("UDP socket closed", slog.String("address", s.addr.String()))
	return nil
}

// socketErr reports whether err ends Run, and the error Run returns.
func (s *Server) socketErr(err error) (bool, error) {
	if !errors.Is(err, net.ErrClosed) {
		return false, nil
	}
	if s.closed.Load() {
		return true, nil
	}
	return true, fmt.Errorf("receive on %s: %w", s.addr, err)
}

// admit applies the rate limiter to a client datagram.
func (s *Server) admit(sessionID string, from netip.AddrPort) bool {
	if s.config.Limiter == nil || s.config.Limiter.Allow(from.Addr()) {
		return true
	}
	s.config.Logger.Debug("datagram rate limited", slog.String("client", from.String()))
	s.emit(RecvError{
		SessionID: sessionID,
		LocalAddr: s.addr,
		Err:       perrors.New("receive", "udp", from.String(), perrors.ErrRateLimited),
	})
	return false
}

// runExchange processes one exchange at a time:
// 1. Takes the next client message, queued or freshly received
// 2. Forwards it to the remote set
// 3. Receives until a datagram from a remote arrives, queueing the rest
// 4. Relays that reply to the client
func (s *Server) runExchange() error {
	bufPtr := s.buffers.Get()
	defer s.buffers.Put(bufPtr)
	buf := *bufPtr

	var pending []datagram

	for {
		var req datagram
		if len(pending) > 0 {
			req = pending[0]
			pending[0] = datagram{}
			pending = pending[1:]
		} else {
			n, from, err := s.conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if stop, err := s.socketErr(err); stop {
					return err
				}
				s.emit(RecvError{LocalAddr: s.addr, Err: perrors.Wrap(err, "receive")})
				continue
			}
			req = datagram{data: bytes.Clone(buf[:n]), from: from}
		}

		sessionID := uuid.NewString()
		if !s.admit(sessionID, req.from) {
			continue
		}

		if to, err := sendFirst(s.conn, req.data, s.config.RemoteAddrs); err != nil {
			s.emit(SendError{
				SessionID: sessionID,
				FromAddr:  req.from,
				LocalAddr: s.addr,
				ToAddr:    to,
				Err:       err,
			})
		} else {
			s.emit(Message{
				SessionID: sessionID,
				FromAddr:  req.from,
				LocalAddr: s.addr,
				ToAddr:    to,
				Message:   payload.Text(req.data),
				Size:      len(req.data),
			})
		}

		reply, err := s.awaitReply(buf, &pending)
		if err != nil {
			if stop, err := s.socketErr(err); stop {
				return err
			}
			s.emit(RecvError{SessionID: sessionID, LocalAddr: s.addr, Err: perrors.Wrap(err, "await reply")})
			continue
		}

		s.relayReply(s.conn, sessionID, reply, req.from)
	}
}

// awaitReply receives until a datagram from one of the remotes arrives.
// Everything else is appended to pending.
func (s *Server) awaitReply(buf []byte, pending *[]datagram) (datagram, error) {
	if s.config.ReplyTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.config.ReplyTimeout)); err != nil {
			return datagram{}, err
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return datagram{}, err
		}
		d := datagram{data: bytes.Clone(buf[:n]), from: from}
		if netaddr.Contains(s.config.RemoteAddrs, from) {
			return d, nil
		}
		*pending = append(*pending, d)
		s.config.Logger.Debug("queued datagram while awaiting reply",
			slog.String("from", from.String()),
			slog.Int("pending", len(*pending)))
	}
}

// relayReply sends a remote's reply to the client through the listening socket.
func (s *Server) relayReply(conn *net.UDPConn, sessionID string, reply datagram, client netip.AddrPort) {
	if _, err := conn.WriteToUDPAddrPort(reply.data, client); err != nil {
		s.emit(SendError{
			SessionID: sessionID,
			FromAddr:  reply.from,
			LocalAddr: s.addr,
			ToAddr:    client,
			Err:       perrors.Wrap(err, "send"),
		})
		return
	}
	s.emit(Message{
		SessionID: sessionID,
		FromAddr:  reply.from,
		LocalAddr: s.addr,
		ToAddr:    client,
		Message:   payload.Text(reply.data),
		Size:      len(reply.data),
	})
}

// runSessions receives client datagrams and forwards each through the
// client's session, creating the session and its reply reader on first use.
func (s *Server) runSessions() error {
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	go s.sessions.Cleanup(cleanupCtx, s.config.SessionTimeout)
	defer func() {
		cleanupCancel()
		s.sessions.CloseAll()
		s.readers.Wait()
	}()

	bufPtr := s.buffers.Get()
	defer s.buffers.Put(bufPtr)
	buf := *bufPtr

	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if stop, err := s.socketErr(err); stop {
				return err
			}
			s.emit(RecvError{LocalAddr: s.addr, Err: perrors.Wrap(err, "receive")})
			continue
		}
		s.handleDatagram(from, buf[:n])
	}
}

func (s *Server) handleDatagram(from netip.AddrPort, data []byte) {
	if !s.admit("", from) {
		return
	}

	sess, isNew, err := s.sessions.GetOrCreate(from)
	if err != nil {
		s.config.Logger.Warn("failed to get/create session",
			slog.String("client", from.String()),
			slog.String("error", err.Error()))
		s.emit(SendError{
			FromAddr:  from,
			LocalAddr: s.addr,
			ToAddr:    netaddr.First(s.config.RemoteAddrs),
			Err:       err,
		})
		return
	}

	if isNew {
		s.readers.Add(1)
		go func() {
			defer s.readers.Done()
			s.readReplies(sess)
		}()
	}

	to, err := sess.Forward(data, s.config.RemoteAddrs)
	if err != nil {
		s.emit(SendError{
			SessionID: sess.ID,
			FromAddr:  from,
			LocalAddr: s.addr,
			ToAddr:    to,
			Err:       err,
		})
		return
	}
	s.emit(Message{
		SessionID: sess.ID,
		FromAddr:  from,
		LocalAddr: s.addr,
		ToAddr:    to,
		Message:   payload.Text(data),
		Size:      len(data),
	})
}

// readReplies relays datagrams arriving on the session's upstream socket
// back to the client until the session is closed.
func (s *Server) readReplies(sess *Session) {
	defer func() {
		s.sessions.Remove(sess)
		sess.Close()
		s.config.Logger.Debug("session reader closed", slog.String("session", sess.ID))
	}()

	bufPtr := s.buffers.Get()
	defer s.buffers.Put(bufPtr)
	buf := *bufPtr

	for {
		n, from, err := sess.upstream.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.emit(RecvError{SessionID: sess.ID, LocalAddr: s.addr, Err: perrors.Wrap(err, "receive reply")})
			}
			return
		}

		if !netaddr.Contains(s.config.RemoteAddrs, from) {
			s.config.Logger.Debug("dropped datagram from unknown origin",
				slog.String("session", sess.ID),
				slog.String("from", from.String()))
			continue
		}

		sess.UpdateActivity()
		s.relayReply(s.conn, sess.ID, datagram{data: buf[:n], from: netaddr.Normalize(from)}, sess.ClientAddr)
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
