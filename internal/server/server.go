// Package server exposes the control surface over HTTP and websocket.
//
// Routes:
//
//	POST /v1/commands  submit one JSON command, 202 with a receipt
//	GET  /v1/project   the control-side project mirror
//	GET  /v1/stats     engine and control counters
//	GET  /ws           websocket: commands in, acks and feedback out
//	GET  /healthz      liveness
//	GET  /readyz       readiness
//	GET  /metrics      Prometheus scrape endpoint
//
// Every client funnels through the one [control.Controller], so adding
// clients never adds producers to the command bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/mixmind/internal/control"
	"github.com/MrWong99/mixmind/internal/health"
	"github.com/MrWong99/mixmind/internal/observe"
	"github.com/MrWong99/mixmind/internal/resilience"
	"github.com/MrWong99/mixmind/pkg/msg"
)

// maxCommandBytes bounds a command request body or websocket frame.
const maxCommandBytes = 4 << 10

// Submitter accepts commands for the engine. [control.Controller] is the
// production implementation.
type Submitter interface {
	Submit(ctx context.Context, cmd msg.Command) (control.Receipt, error)
	Subscribe() *control.Subscription
	Project() control.Project
}

var _ Submitter = (*control.Controller)(nil)

// Server serves the control surface. Construct with [New].
type Server struct {
	ctl            Submitter
	breaker        *resilience.Breaker
	metrics        *observe.Metrics
	health         *health.Handler
	stats          func() any
	metricsHandler http.Handler

	httpServer *http.Server
}

// Option is a functional option for [New].
type Option func(*Server)

// WithBreaker guards submissions with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *Server) { s.breaker = b }
}

// WithMetrics records HTTP and websocket metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithStats serves the value returned by fn as JSON on /v1/stats.
func WithStats(fn func() any) Option {
	return func(s *Server) { s.stats = fn }
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New creates a server submitting through ctl.
func New(ctl Submitter, opts ...Option) *Server {
	s := &Server{ctl: ctl}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New(nil)
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	return s
}

// Handler returns the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commands", s.handleCommand)
	mux.HandleFunc("GET /v1/project", s.handleProject)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metricsHandler)
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout. When certFile and keyFile are both set
// it serves TLS.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", addr, err)
	}
	return s.Serve(ctx, ln, certFile, keyFile, shutdownTimeout)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, certFile, keyFile string, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", certFile != "")
		var err error
		if certFile != "" && keyFile != "" {
			err = s.httpServer.ServeTLS(ln, certFile, keyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errCh
	slog.Info("http server stopped")
	return nil
}

// submit sends cmd through the breaker when one is configured.
func (s *Server) submit(ctx context.Context, cmd msg.Command) (control.Receipt, error) {
	if s.breaker == nil {
		return s.ctl.Submit(ctx, cmd)
	}
	return resilience.Call(s.breaker, func() (control.Receipt, error) {
		return s.ctl.Submit(ctx, cmd)
	})
}

// BackpressureTrips is the [resilience.Config.Trips] classifier for the
// submission breaker: only a bus that stayed full counts against the engine.
func BackpressureTrips(err error) bool {
	return errors.Is(err, control.ErrBackpressure)
}
