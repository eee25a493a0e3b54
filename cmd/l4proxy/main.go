// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs l4proxy with logging, metrics, health checks, a circuit
// breaker on the TCP remotes and per-client rate limiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/l4proxy"
	"github.com/absmach/l4proxy/examples/simple"
	"github.com/absmach/l4proxy/pkg/breaker"
	"github.com/absmach/l4proxy/pkg/handler"
	"github.com/absmach/l4proxy/pkg/health"
	"github.com/absmach/l4proxy/pkg/metrics"
	"github.com/absmach/l4proxy/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "L4PROXY_"

// Config holds the settings of the command around the proxy itself.
type Config struct {
	// Observability
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	HealthAddr  string `env:"HEALTH_ADDR"  envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	EventBuffer int    `env:"EVENT_BUFFER" envDefault:"1024"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Rate Limiting, disabled when capacity is 0
	RateLimitCapacity   int64         `env:"RATE_LIMIT_CAPACITY"    envDefault:"0"`
	RateLimitRefill     int64         `env:"RATE_LIMIT_REFILL"      envDefault:"10"`
	RateLimitMaxClients int           `env:"RATE_LIMIT_MAX_CLIENTS" envDefault:"10000"`
	RateLimitIdleTTL    time.Duration `env:"RATE_LIMIT_IDLE_TTL"    envDefault:"10m"`
}

func main() {
	// .env file is optional
	_ = godotenv.Load()

	opts := env.Options{Prefix: envPrefix}
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	proxyCfg, err := l4proxy.NewConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse proxy config: %v\n", err)
		os.Exit(1)
	}

	var (
		local       = pflag.StringSlice("local", proxyCfg.LocalAddrs, "Listen address candidates, the first bindable one is used")
		remote      = pflag.StringSlice("remote", proxyCfg.RemoteAddrs, "Remote address candidates, tried in order")
		udpMode     = pflag.String("udp-mode", proxyCfg.UDPMode.String(), "UDP relay mode: session | exchange")
		logLevel    = pflag.String("log-level", cfg.LogLevel, "Log level: debug | info | warn | error")
		metricsAddr = pflag.String("metrics-listen", cfg.MetricsAddr, "Prometheus metrics listen address. Empty disables.")
		healthAddr  = pflag.String("health-listen", cfg.HealthAddr, "Health check listen address. Empty disables.")
	)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	proxyCfg.LocalAddrs = *local
	proxyCfg.RemoteAddrs = *remote
	if err := proxyCfg.UDPMode.UnmarshalText([]byte(*udpMode)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --udp-mode: %v\n", err)
		os.Exit(1)
	}
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.HealthAddr = *healthAddr

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, proxyCfg, logger); err != nil {
		logger.Error(fmt.Sprintf("l4proxy terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("l4proxy stopped")
}

func run(cfg Config, proxyCfg l4proxy.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New("l4proxy")

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("Circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.ObserveBreaker(from, to)
	})
	proxyCfg.Breaker = cb

	if cfg.RateLimitCapacity > 0 {
		limiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitMaxClients, cfg.RateLimitIdleTTL)
		defer limiter.Close()
		proxyCfg.Limiter = limiter
	}

	events := make(chan l4proxy.Event, cfg.EventBuffer)
	proxyCfg.Events = events
	proxyCfg.Logger = logger

	p, err := l4proxy.New(ctx, proxyCfg)
	if err != nil {
		return err
	}
	m.WatchSessions(p.UDPSessions)

	checker := health.NewChecker(10 * time.Second)
	p.RegisterHealth(checker)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	// Run has flushed its last event when it returns, so the sink can be
	// closed and the consumer drains what is left.
	g.Go(func() error {
		defer close(events)
		defer cancel()
		return p.Run(ctx)
	})

	h := handler.Chain{simple.New(logger), m}
	g.Go(func() error {
		return handler.Consume(context.Background(), events, h, logger)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.HTTPHandler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsAddr, mux, logger)
		})
	}
	if cfg.HealthAddr != "" {
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthAddr, checker.Mux(), logger)
		})
	}

	return g.Wait()
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var logHandler slog.Handler
	if format == "json" {
		logHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(logHandler)
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(fmt.Sprintf("Starting %s server", name), slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
