// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net/netip"
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(2, 1)
	now := time.Now()

	if !tb.AllowN(now, 1) || !tb.AllowN(now, 1) {
		t.Fatal("Expected first two requests to be allowed")
	}
	if tb.AllowN(now, 1) {
		t.Error("Expected third request to be rejected")
	}

	// One second later exactly one token has been refilled.
	later := now.Add(time.Second)
	if !tb.AllowN(later, 1) {
		t.Error("Expected request after refill to be allowed")
	}
	if tb.AllowN(later, 1) {
		t.Error("Expected bucket to be empty again")
	}
}

func TestTokenBucket_CapsAtCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 100)
	tb.AllowN(time.Now().Add(time.Hour), 0)

	if got := tb.Available(); got != 3 {
		t.Errorf("Expected 3 tokens, got %d", got)
	}
}

func TestLimiter_PerClient(t *testing.T) {
	l := NewLimiter(1, 0, 10, time.Minute)
	defer l.Close()

	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	if !l.Allow(a) {
		t.Fatal("Expected first request from a to be allowed")
	}
	if l.Allow(a) {
		t.Error("Expected second request from a to be rejected")
	}
	if !l.Allow(b) {
		t.Error("Expected b to have its own bucket")
	}
	if l.Stats() != 2 {
		t.Errorf("Expected 2 tracked clients, got %d", l.Stats())
	}
}

func TestLimiter_MappedAddressSharesBucket(t *testing.T) {
	l := NewLimiter(1, 0, 10, time.Minute)
	defer l.Close()

	if !l.Allow(netip.MustParseAddr("127.0.0.1")) {
		t.Fatal("Expected first request to be allowed")
	}
	if l.Allow(netip.MustParseAddr("::ffff:127.0.0.1")) {
		t.Error("Expected mapped form to share the IPv4 bucket")
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(10, 10, 1, time.Minute)
	defer l.Close()

	if !l.Allow(netip.MustParseAddr("10.0.0.1")) {
		t.Fatal("Expected first client to be allowed")
	}
	if l.Allow(netip.MustParseAddr("10.0.0.2")) {
		t.Error("Expected new client to be rejected when table is full")
	}

	l.Remove(netip.MustParseAddr("10.0.0.1"))
	if !l.Allow(netip.MustParseAddr("10.0.0.2")) {
		t.Error("Expected client to be admitted after removal")
	}
}

func TestLimiter_EvictIdle(t *testing.T) {
	l := NewLimiter(1, 1, 10, time.Minute)
	defer l.Close()

	l.Allow(netip.MustParseAddr("10.0.0.1"))
	l.evictIdle(time.Now().Add(2 * time.Minute))

	if l.Stats() != 0 {
		t.Errorf("Expected idle bucket to be evicted, got %d clients", l.Stats())
	}
}
