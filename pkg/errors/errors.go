// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for l4proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrResolve indicates a local or remote address specification could not be resolved.
	ErrResolve = errors.New("address resolution failed")

	// ErrBind indicates none of the local candidates could be bound.
	ErrBind = errors.New("bind failed")

	// ErrNoRemote indicates the remote endpoint set is empty.
	ErrNoRemote = errors.New("no remote address")

	// ErrNoLocal indicates the listen endpoint set is empty.
	ErrNoLocal = errors.New("no local address")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBackendUnavailable indicates no remote candidate accepted the connection or datagram.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates the client exceeded its admission budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSessionLimit indicates the UDP session table is full.
	ErrSessionLimit = errors.New("session limit reached")
)

// ProxyError wraps an error with additional context.
type ProxyError struct {
	Op       string // Operation that failed (resolve, bind, dial, ...)
	Protocol string // Protocol (tcp, udp)
	Addr     string // Address the operation targeted
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s %s: %v", e.Protocol, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError. It returns nil if err is nil.
func New(op, protocol, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:       op,
		Protocol: protocol,
		Addr:     addr,
		Err:      err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Join wraps errs under the sentinel kind so callers can match either.
func Join(kind error, errs ...error) error {
	all := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			all = append(all, err)
		}
	}
	if len(all) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, errors.Join(all...))
}
