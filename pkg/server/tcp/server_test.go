// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/absmach/l4proxy/pkg/breaker"
	perrors "github.com/absmach/l4proxy/pkg/errors"
	"github.com/absmach/l4proxy/pkg/netaddr"
	"github.com/absmach/l4proxy/pkg/ratelimit"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// startEchoServer starts a TCP server that echoes everything it reads.
func startEchoServer(t *testing.T) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start echo server: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return netaddr.FromAddr(ln.Addr())
}

// closedAddr returns a loopback address nothing is listening on.
func closedAddr(t *testing.T) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	addr := netaddr.FromAddr(ln.Addr())
	ln.Close()
	return addr
}

// startServer builds a server on an ephemeral loopback port and runs it
// until the test ends.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if len(cfg.LocalAddrs) == 0 {
		cfg.LocalAddrs = []netip.AddrPort{loopback}
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	cfg.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("Failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Error("Server did not stop")
		}
	})

	return srv
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
		return nil
	}
}

func dial(t *testing.T, addr netip.AddrPort) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to proxy: %v", err)
	}
	return conn
}

func TestNew(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer occupied.Close()

	remote := []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:9")}

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "no local address",
			cfg:  Config{RemoteAddrs: remote},
			want: perrors.ErrNoLocal,
		},
		{
			name: "no remote address",
			cfg:  Config{LocalAddrs: []netip.AddrPort{loopback}},
			want: perrors.ErrNoRemote,
		},
		{
			name: "address in use",
			cfg: Config{
				LocalAddrs:  []netip.AddrPort{netaddr.FromAddr(occupied.Addr())},
				RemoteAddrs: remote,
			},
			want: perrors.ErrBind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := New(context.Background(), tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if srv != nil {
				t.Error("Expected nil server on failure")
			}
			var perr *perrors.ProxyError
			if !errors.As(err, &perr) || perr.Protocol != "tcp" {
				t.Errorf("Expected tcp ProxyError, got %#v", err)
			}
		})
	}
}

func TestNew_FirstBindableCandidate(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer occupied.Close()

	srv, err := New(context.Background(), Config{
		LocalAddrs:  []netip.AddrPort{netaddr.FromAddr(occupied.Addr()), loopback},
		RemoteAddrs: []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:9")},
	})
	if err != nil {
		t.Fatalf("Expected second candidate to bind, got %v", err)
	}
	defer srv.Close()

	if srv.Addr().Port() == 0 || srv.Addr() == netaddr.FromAddr(occupied.Addr()) {
		t.Errorf("Unexpected bound address %s", srv.Addr())
	}
}

func TestServer_PingEvents(t *testing.T) {
	remote := startEchoServer(t)
	events := make(chan Event, 16)
	srv := startServer(t, Config{RemoteAddrs: []netip.AddrPort{remote}, Events: events})

	client := dial(t, srv.Addr())
	clientAddr := netaddr.FromAddr(client.LocalAddr())

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Expected 'ping', got %q", buf)
	}
	client.Close()

	conn, ok := nextEvent(t, events).(Connection)
	if !ok {
		t.Fatal("Expected Connection as first event")
	}
	if !netaddr.Equal(conn.ClientAddr, clientAddr) {
		t.Errorf("Expected client %s, got %s", clientAddr, conn.ClientAddr)
	}
	if conn.RemoteAddr != remote {
		t.Errorf("Expected remote %s, got %s", remote, conn.RemoteAddr)
	}
	if conn.LocalAddr != srv.Addr() || conn.SessionID == "" {
		t.Errorf("Unexpected connection event %+v", conn)
	}

	// Each direction reports its own chunk; the two directions run concurrently.
	var upstream, downstream *Message
	for i := 0; i < 2; i++ {
		msg, ok := nextEvent(t, events).(Message)
		if !ok {
			t.Fatal("Expected Message event")
		}
		if msg.SessionID != conn.SessionID {
			t.Errorf("Expected session %s, got %s", conn.SessionID, msg.SessionID)
		}
		if msg.Message != "ping" || msg.Size != 4 {
			t.Errorf("Unexpected message %+v", msg)
		}
		switch {
		case netaddr.Equal(msg.FromAddr, clientAddr):
			upstream = &msg
		case msg.FromAddr == remote:
			downstream = &msg
		}
	}
	if upstream == nil || upstream.ToAddr != remote {
		t.Errorf("Expected client→remote message, got %+v", upstream)
	}
	if downstream == nil || !netaddr.Equal(downstream.ToAddr, clientAddr) {
		t.Errorf("Expected remote→client message, got %+v", downstream)
	}

	disc, ok := nextEvent(t, events).(Disconnection)
	if !ok {
		t.Fatal("Expected Disconnection as last event")
	}
	if disc.SessionID != conn.SessionID || disc.RemoteAddr != remote {
		t.Errorf("Unexpected disconnection %+v", disc)
	}
}

func TestServer_ByteFidelity(t *testing.T) {
	remote := startEchoServer(t)
	events := make(chan Event, 16)
	srv := startServer(t, Config{RemoteAddrs: []netip.AddrPort{remote}, Events: events})

	client := dial(t, srv.Addr())
	defer client.Close()

	data := []byte{0xff, 0x00, 0xfe, 'a'}
	if _, err := client.Write(data); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	got := make([]byte, len(data))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Expected %v, got %v", data, got)
	}

	if _, ok := nextEvent(t, events).(Connection); !ok {
		t.Fatal("Expected Connection event")
	}
	msg, ok := nextEvent(t, events).(Message)
	if !ok {
		t.Fatal("Expected Message event")
	}
	if msg.Size != len(data) {
		t.Errorf("Expected size %d, got %d", len(data), msg.Size)
	}
	if !strings.Contains(msg.Message, "�") {
		t.Errorf("Expected replacement characters in %q", msg.Message)
	}
}

func TestServer_LargeTransfer(t *testing.T) {
	remote := startEchoServer(t)
	srv := startServer(t, Config{RemoteAddrs: []netip.AddrPort{remote}, BufferSize: 512})

	client := dial(t, srv.Addr())
	defer client.Close()

	data := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	go func() {
		_, _ = client.Write(data)
	}()

	got := make([]byte, len(data))
	if err := client.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Echoed data does not match")
	}
}

func TestServer_RemoteCloseEndsSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start remote: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("bye"))
		conn.Close()
	}()

	events := make(chan Event, 16)
	srv := startServer(t, Config{
		RemoteAddrs: []netip.AddrPort{netaddr.FromAddr(ln.Addr())},
		Events:      events,
	})

	client := dial(t, srv.Addr())
	defer client.Close()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("Expected 'bye', got %q", got)
	}

	for {
		switch ev := nextEvent(t, events).(type) {
		case MessageError:
			t.Fatalf("Unexpected error event: %v", ev.Err)
		case Disconnection:
			return
		}
	}
}

func TestServer_RemoteFallback(t *testing.T) {
	remote := startEchoServer(t)
	events := make(chan Event, 16)
	srv := startServer(t, Config{
		RemoteAddrs: []netip.AddrPort{closedAddr(t), remote},
		Events:      events,
	})

	client := dial(t, srv.Addr())
	defer client.Close()

	conn, ok := nextEvent(t, events).(Connection)
	if !ok {
		t.Fatal("Expected Connection event")
	}
	if conn.RemoteAddr != remote {
		t.Errorf("Expected fallback to %s, got %s", remote, conn.RemoteAddr)
	}
}

func TestServer_NoReachableRemote(t *testing.T) {
	events := make(chan Event, 16)
	srv := startServer(t, Config{
		RemoteAddrs: []netip.AddrPort{closedAddr(t), closedAddr(t)},
		Events:      events,
	})

	client := dial(t, srv.Addr())
	defer client.Close()

	ev, ok := nextEvent(t, events).(ConnectionError)
	if !ok {
		t.Fatal("Expected ConnectionError event")
	}
	if !errors.Is(ev.Err, perrors.ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", ev.Err)
	}
	if ev.LocalAddr != srv.Addr() {
		t.Errorf("Expected local %s, got %s", srv.Addr(), ev.LocalAddr)
	}

	// The client is abandoned.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("Expected client connection to be closed")
	}

	select {
	case ev := <-events:
		t.Errorf("Expected no further events, got %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_RateLimited(t *testing.T) {
	remote := startEchoServer(t)
	limiter := ratelimit.NewLimiter(1, 0, 10, time.Minute)
	defer limiter.Close()

	events := make(chan Event, 16)
	srv := startServer(t, Config{
		RemoteAddrs: []netip.AddrPort{remote},
		Limiter:     limiter,
		Events:      events,
	})

	first := dial(t, srv.Addr())
	defer first.Close()
	if _, ok := nextEvent(t, events).(Connection); !ok {
		t.Fatal("Expected first client to connect")
	}

	second := dial(t, srv.Addr())
	defer second.Close()
	ev, ok := nextEvent(t, events).(ConnectionError)
	if !ok {
		t.Fatal("Expected ConnectionError for second client")
	}
	if !errors.Is(ev.Err, perrors.ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", ev.Err)
	}
}

func TestServer_BreakerOpens(t *testing.T) {
	cb := breaker.New(breaker.Config{MaxFailures: 1, ResetTimeout: time.Minute})
	events := make(chan Event, 16)
	srv := startServer(t, Config{
		RemoteAddrs: []netip.AddrPort{closedAddr(t)},
		Breaker:     cb,
		Events:      events,
	})

	first := dial(t, srv.Addr())
	defer first.Close()
	ev := nextEvent(t, events).(ConnectionError)
	if !errors.Is(ev.Err, perrors.ErrBackendUnavailable) {
		t.Fatalf("Expected ErrBackendUnavailable, got %v", ev.Err)
	}

	second := dial(t, srv.Addr())
	defer second.Close()
	ev = nextEvent(t, events).(ConnectionError)
	if !errors.Is(ev.Err, breaker.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", ev.Err)
	}
}

func TestServer_NilEvents(t *testing.T) {
	remote := startEchoServer(t)
	srv := startServer(t, Config{RemoteAddrs: []netip.AddrPort{remote}})

	client := dial(t, srv.Addr())
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
}

func TestServer_Shutdown(t *testing.T) {
	remote := startEchoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := New(ctx, Config{
		LocalAddrs:  []netip.AddrPort{loopback},
		RemoteAddrs: []netip.AddrPort{remote},
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)
	if !srv.Running() {
		t.Error("Expected server to be running")
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected nil error on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server did not shut down")
	}

	if srv.Running() {
		t.Error("Expected server to be stopped")
	}
	if err := srv.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestServer_ShutdownTimeout(t *testing.T) {
	remote := startEchoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := New(ctx, Config{
		LocalAddrs:      []netip.AddrPort{loopback},
		RemoteAddrs:     []netip.AddrPort{remote},
		ShutdownTimeout: 100 * time.Millisecond,
		Logger:          testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// An idle client keeps its session open past the shutdown timeout.
	client := dial(t, srv.Addr())
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Server did not shut down")
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("Expected forced close of the client connection")
	}
}

func TestServer_AbortSkipsDrain(t *testing.T) {
	remote := startEchoServer(t)

	srv, err := New(context.Background(), Config{
		LocalAddrs:      []netip.AddrPort{loopback},
		RemoteAddrs:     []netip.AddrPort{remote},
		ShutdownTimeout: time.Minute,
		Logger:          testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(context.Background())
	}()

	client := dial(t, srv.Addr())
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := srv.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Server did not stop after Abort")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected Abort to skip the drain, took %s", elapsed)
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("Expected forced close of the client connection")
	}
}

func TestServer_ListenerClosedExternally(t *testing.T) {
	remote := startEchoServer(t)

	srv, err := New(context.Background(), Config{
		LocalAddrs:  []netip.AddrPort{loopback},
		RemoteAddrs: []netip.AddrPort{remote},
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	if err := srv.listener.Close(); err != nil {
		t.Fatalf("Failed to close listener: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Expected net.ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server did not stop")
	}
}
