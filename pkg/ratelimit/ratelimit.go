// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client admission control using the token
// bucket algorithm. The TCP engine spends one token per accepted connection
// and the UDP engine one token per client datagram.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow reports whether one more unit of work may proceed.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(time.Now(), 1)
}

// AllowN reports whether n units may proceed at time now.
func (tb *TokenBucket) AllowN(now time.Time, n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	tb.lastUsed = now

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	return int64(tb.tokens)
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastUsed)
}

// Limiter manages one token bucket per client IP address. Ports are
// ignored so a client cannot dodge the limit by reconnecting.
type Limiter struct {
	mu         sync.RWMutex
	limiters   map[netip.Addr]*TokenBucket
	capacity   int64
	refillRate int64
	maxClients int
	idleTTL    time.Duration
	stop       chan struct{}
	once       sync.Once
}

// NewLimiter creates a per-client limiter. Buckets idle for longer than
// idleTTL are evicted in the background; Close stops the eviction loop.
func NewLimiter(capacity, refillRate int64, maxClients int, idleTTL time.Duration) *Limiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}

	l := &Limiter{
		limiters:   make(map[netip.Addr]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		idleTTL:    idleTTL,
		stop:       make(chan struct{}),
	}
	go l.evictLoop()

	return l
}

// Allow reports whether the client at addr may proceed.
func (l *Limiter) Allow(addr netip.Addr) bool {
	addr = addr.Unmap()

	l.mu.RLock()
	tb, exists := l.limiters[addr]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		tb, exists = l.limiters[addr]
		if !exists {
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[addr] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(time.Now(), 1)
}

// Remove removes a client's bucket.
func (l *Limiter) Remove(addr netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, addr.Unmap())
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for addr, tb := range l.limiters {
		if tb.idleSince(now) > l.idleTTL {
			delete(l.limiters, addr)
		}
	}
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops background eviction.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
