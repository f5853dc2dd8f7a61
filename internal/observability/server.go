// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept requests.
type ReadinessChecker func() bool

// Package-level counters so the store layer can record events without
// holding a Server. NewMetrics registers them on each server's registry.
var (
	deadlockRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakehouse_deadlock_retries_total",
			Help: "Total number of deadlocked statements and transactions retried, by operation",
		},
		[]string{"operation"},
	)
	accountsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stakehouse_accounts_created_total",
			Help: "Total number of accounts created",
		},
	)
	sessionsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakehouse_sessions_issued_total",
			Help: "Total number of sessions issued by kind (normal, remember, one_time)",
		},
		[]string{"kind"},
	)
	loginFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakehouse_login_failures_total",
			Help: "Total number of failed credential validations by reason",
		},
		[]string{"reason"},
	)
)

// RecordDeadlockRetry increments the deadlock retry counter.
// Called by the store layer before re-running a deadlocked operation.
func RecordDeadlockRetry(operation string) {
	deadlockRetries.WithLabelValues(operation).Inc()
}

// RecordAccountCreated increments the created-accounts counter.
func RecordAccountCreated() {
	accountsCreated.Inc()
}

// RecordSessionIssued increments the issued-sessions counter.
// kind is one of "normal", "remember", "one_time".
func RecordSessionIssued(kind string) {
	sessionsIssued.WithLabelValues(kind).Inc()
}

// RecordLoginFailure increments the failed-validations counter.
func RecordLoginFailure(reason string) {
	loginFailures.WithLabelValues(reason).Inc()
}

// Metrics exposes the identity counters for direct use.
type Metrics struct {
	AccountsCreated prometheus.Counter
	SessionsIssued  *prometheus.CounterVec
	LoginFailures   *prometheus.CounterVec
}

// NewMetrics registers the identity metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	reg.MustRegister(accountsCreated)
	reg.MustRegister(sessionsIssued)
	reg.MustRegister(loginFailures)
	reg.MustRegister(deadlockRetries)

	return &Metrics{
		AccountsCreated: accountsCreated,
		SessionsIssued:  sessionsIssued,
		LoginFailures:   loginFailures,
	}
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Own registry to avoid polluting the global one
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints. It returns an error channel
// that receives any error from the HTTP server after it starts; the channel
// is closed when the server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown observability server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on, or "" if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
