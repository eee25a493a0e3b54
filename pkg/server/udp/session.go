// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/absmach/l4proxy/pkg/errors"
	"github.com/absmach/l4proxy/pkg/netaddr"
	"github.com/google/uuid"
)

// Session represents a virtual UDP "connection" for a specific client.
// Since UDP is connectionless, we maintain session state per client address.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// ClientAddr is the client's UDP address as received
	ClientAddr netip.AddrPort

	// upstream is the session's own socket towards the remote set
	upstream *net.UDPConn

	lastActivity atomic.Int64
	closeOnce    sync.Once
	closeErr     error
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Addr returns the local address of the session's upstream socket.
func (s *Session) Addr() netip.AddrPort {
	return netaddr.FromAddr(s.upstream.LocalAddr())
}

// Forward sends data to the remote addresses in order and returns the
// first one that accepted it.
func (s *Session) Forward(data []byte, remotes []netip.AddrPort) (netip.AddrPort, error) {
	return sendFirst(s.upstream, data, remotes)
}

// Close closes the session and its upstream socket. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.upstream.Close()
	})
	return s.closeErr
}

// SessionManager manages UDP sessions keyed by client address.
type SessionManager struct {
	sessions    map[netip.AddrPort]*Session
	mu          sync.RWMutex
	logger      *slog.Logger
	maxSessions int
}

// NewSessionManager creates a new session manager.
func NewSessionManager(logger *slog.Logger, maxSessions int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[netip.AddrPort]*Session),
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// GetOrCreate gets an existing session or creates a new one for the given
// client address. The bool result reports whether the session is new.
func (sm *SessionManager) GetOrCreate(clientAddr netip.AddrPort) (*Session, bool, error) {
	key := netaddr.Normalize(clientAddr)

	// Try to get existing session (read lock)
	// Activity is refreshed under the lock so expire cannot close the
	// session between lookup and use.
	sm.mu.RLock()
	if sess, ok := sm.sessions[key]; ok {
		sess.UpdateActivity()
		sm.mu.RUnlock()
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check in case another goroutine created it
	if sess, ok := sm.sessions[key]; ok {
		sess.UpdateActivity()
		return sess, false, nil
	}

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, perrors.New("session", "udp", clientAddr.String(),
			fmt.Errorf("%w (%d)", perrors.ErrSessionLimit, sm.maxSessions))
	}

	upstream, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, false, perrors.New("bind", "udp", clientAddr.String(), err)
	}

	sess := &Session{
		ID:         uuid.NewString(),
		ClientAddr: clientAddr,
		upstream:   upstream,
	}
	sess.UpdateActivity()
	sm.sessions[key] = sess

	sm.logger.Debug("new UDP session created",
		slog.String("session", sess.ID),
		slog.String("client", clientAddr.String()),
		slog.String("upstream", sess.Addr().String()))

	return sess, true, nil
}

// Get returns an existing session for the given client address.
func (sm *SessionManager) Get(clientAddr netip.AddrPort) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[netaddr.Normalize(clientAddr)]
	return sess, ok
}

// Remove removes sess from the manager if it is still the session
// registered for its client.
func (sm *SessionManager) Remove(sess *Session) {
	key := netaddr.Normalize(sess.ClientAddr)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sessions[key] == sess {
		delete(sm.sessions, key)
	}
}

// Cleanup removes expired sessions based on the timeout.
// Should be called periodically in a background goroutine.
func (sm *SessionManager) Cleanup(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sm.expire(now, timeout)
		}
	}
}

// expire closes and removes sessions idle for longer than timeout.
func (sm *SessionManager) expire(now time.Time, timeout time.Duration) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	count := 0
	for key, sess := range sm.sessions {
		if now.Sub(sess.LastActivity()) <= timeout {
			continue
		}
		sm.logger.Debug("session timeout",
			slog.String("session", sess.ID),
			slog.String("client", sess.ClientAddr.String()))
		sess.Close()
		delete(sm.sessions, key)
		count++
	}

	if count > 0 {
		sm.logger.Debug("cleaned up expired sessions", slog.Int("count", count))
	}
	return count
}

// CloseAll closes and removes every session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for key, sess := range sm.sessions {
		sm.logger.Debug("closing session", slog.String("session", sess.ID))
		sess.Close()
		delete(sm.sessions, key)
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// sendFirst writes data to the remotes in order and stops at the first
// successful send.
func sendFirst(conn *net.UDPConn, data []byte, remotes []netip.AddrPort) (netip.AddrPort, error) {
	var errs []error
	for _, addr := range remotes {
		if _, err := conn.WriteToUDPAddrPort(data, addr); err != nil {
			errs = append(errs, err)
			continue
		}
		return addr, nil
	}
	return netaddr.First(remotes), perrors.Join(perrors.ErrBackendUnavailable, errs...)
}
