// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for l4proxy.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/l4proxy/pkg/breaker"
	perrors "github.com/absmach/l4proxy/pkg/errors"
	"github.com/absmach/l4proxy/pkg/handler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ handler.Handler = (*Metrics)(nil)

// Metrics holds all Prometheus metrics for l4proxy. It implements
// handler.Handler so it can be fed directly from the event stream.
type Metrics struct {
	// Connection metrics
	TotalConnections   *prometheus.CounterVec
	ActiveConnections  *prometheus.GaugeVec
	ConnectionDuration *prometheus.HistogramVec

	// Traffic metrics
	MessagesTotal *prometheus.CounterVec
	BytesTotal    *prometheus.CounterVec
	Errors        *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Rate limiter metrics
	RateLimited *prometheus.CounterVec

	namespace string
	registry  *prometheus.Registry
	factory   promauto.Factory

	mu     sync.Mutex
	starts map[string]time.Time
	now    func() time.Time
}

// New creates a new Metrics instance on its own registry, together with
// the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "l4proxy"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections bridged to a remote",
			},
			[]string{"protocol"},
		),
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"protocol"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol"},
		),
		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of relayed chunks and datagrams",
			},
			[]string{"protocol"},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of relayed bytes",
			},
			[]string{"protocol"},
		),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failed operations",
			},
			[]string{"protocol", "kind"},
		),
		CircuitBreakerState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of connections and datagrams refused by the rate limiter",
			},
			[]string{"protocol"},
		),
		namespace: namespace,
		registry:  reg,
		factory:   f,
		starts:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBreaker records a circuit breaker transition. It has the
// signature expected by breaker.CircuitBreaker.OnStateChange.
func (m *Metrics) ObserveBreaker(from, to breaker.State) {
	m.CircuitBreakerState.Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.Inc()
	}
}

// WatchSessions exposes the live UDP session count reported by fn.
func (m *Metrics) WatchSessions(fn func() int) {
	m.factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "udp_sessions",
			Help:      "Number of live UDP client sessions",
		},
		func() float64 { return float64(fn()) },
	)
}

// OnConnect implements handler.Handler.
func (m *Metrics) OnConnect(ctx context.Context, hctx *handler.Context) error {
	m.TotalConnections.WithLabelValues(hctx.Protocol).Inc()
	m.ActiveConnections.WithLabelValues(hctx.Protocol).Inc()

	m.mu.Lock()
	m.starts[hctx.SessionID] = m.now()
	m.mu.Unlock()
	return nil
}

// OnMessage implements handler.Handler.
func (m *Metrics) OnMessage(ctx context.Context, hctx *handler.Context, msg handler.Message) error {
	m.MessagesTotal.WithLabelValues(hctx.Protocol).Inc()
	m.BytesTotal.WithLabelValues(hctx.Protocol).Add(float64(msg.Size))
	return nil
}

// OnError implements handler.Handler.
func (m *Metrics) OnError(ctx context.Context, hctx *handler.Context, kind handler.ErrorKind, err error) error {
	m.Errors.WithLabelValues(hctx.Protocol, string(kind)).Inc()
	if errors.Is(err, perrors.ErrRateLimited) {
		m.RateLimited.WithLabelValues(hctx.Protocol).Inc()
	}
	return nil
}

// OnDisconnect implements handler.Handler.
func (m *Metrics) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.ActiveConnections.WithLabelValues(hctx.Protocol).Dec()

	m.mu.Lock()
	start, ok := m.starts[hctx.SessionID]
	delete(m.starts, hctx.SessionID)
	m.mu.Unlock()

	if ok {
		m.ConnectionDuration.WithLabelValues(hctx.Protocol).Observe(m.now().Sub(start).Seconds())
	}
	return nil
}
