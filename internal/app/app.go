// Package app wires all mixmind subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the bus,
// engine, control loop and HTTP server, Run executes them until the context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject collaborators via functional options (WithMetrics,
// WithListener, etc.). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mixmind/internal/config"
	"github.com/MrWong99/mixmind/internal/control"
	"github.com/MrWong99/mixmind/internal/engine"
	"github.com/MrWong99/mixmind/internal/health"
	"github.com/MrWong99/mixmind/internal/observe"
	"github.com/MrWong99/mixmind/internal/resilience"
	"github.com/MrWong99/mixmind/internal/server"
	"github.com/MrWong99/mixmind/pkg/rt/blockpool"
	"github.com/MrWong99/mixmind/pkg/rt/bus"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// busHeadroom is the to-audio fill ratio above which /readyz fails.
const busHeadroom = 0.9

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	bus     *bus.Bus
	engine  *engine.Engine
	ctl     *control.Controller
	breaker *resilience.Breaker
	server  *server.Server
	health  *health.Handler
	watcher *config.Watcher

	metrics     *observe.Metrics
	metricsHTTP http.Handler
	logLevel    *slog.LevelVar
	listener    net.Listener
	configPath  string
	watchEvery  time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics, typically [observe.Telemetry.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithListener serves HTTP on ln instead of listening on the configured
// address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch watches the config file at path and applies hot-reloadable
// changes while running. interval <= 0 keeps the watcher's default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchEvery = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing runs until
// [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Engine and bus ────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 2. Control loop ──────────────────────────────────────────────────
	ctl := cfg.Control
	a.ctl = control.New(a.bus,
		control.WithRetryPolicy(ctl.SendTimeout, ctl.RetryBackoff),
		control.WithPolling(ctl.PollInterval, ctl.PollBudget),
		control.WithFeedbackBuffer(ctl.FeedbackBuffer),
		control.WithMarker(a.engine.Marker()),
		control.WithMetrics(a.metrics),
	)

	// ── 3. Telemetry ─────────────────────────────────────────────────────
	reg, err := a.metrics.ObserveEngine(a.engineCounters)
	if err != nil {
		return nil, fmt.Errorf("app: observe engine: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		if err := a.initWatcher(); err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
	}

	slog.InfoContext(ctx, "app initialised",
		"bus_capacity", cfg.Engine.BusCapacity,
		"callback_period", cfg.Engine.CallbackPeriod,
		"scratch_strategy", cfg.Engine.Scratch.Strategy,
	)
	return a, nil
}

func (a *App) initEngine() error {
	eng := a.cfg.Engine
	b, err := bus.New(eng.BusCapacity)
	if err != nil {
		return err
	}
	strategy, err := blockpool.ParseStrategy(string(eng.Scratch.Strategy))
	if err != nil {
		return err
	}
	e, err := engine.New(b,
		engine.WithDrainBudget(eng.DrainBudget),
		engine.WithCallbackPeriod(eng.CallbackPeriod),
		engine.WithLimits(eng.MaxTracks, eng.MaxPluginsPerTrack),
		engine.WithScratch(eng.Scratch.BlockSize, eng.Scratch.BlockCount, strategy),
	)
	if err != nil {
		return err
	}
	a.bus, a.engine = b, e
	a.closers = append(a.closers, func() error {
		e.Stop()
		return nil
	})
	return nil
}

func (a *App) initServer() {
	br := a.cfg.Control.Breaker
	a.breaker = resilience.New(resilience.Config{
		Name:         "submit",
		MaxFailures:  br.MaxFailures,
		ResetTimeout: br.ResetTimeout,
		HalfOpenMax:  br.HalfOpenMax,
		Trips:        server.BackpressureTrips,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("submission breaker state changed", "from", from, "to", to)
		},
	})

	a.health = health.New([]health.Checker{
		health.Running("engine", a.engine),
		health.AudioThread(a.engine.Marker()),
		health.Alive("control", a.ctl.Done()),
		health.BusHeadroom(a.bus, busHeadroom),
	})

	opts := []server.Option{
		server.WithBreaker(a.breaker),
		server.WithMetrics(a.metrics),
		server.WithHealth(a.health),
		server.WithStats(func() any { return a.Stats() }),
	}
	if a.metricsHTTP != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHTTP))
	}
	a.server = server.New(a.ctl, opts...)
}

func (a *App) initWatcher() error {
	w, err := config.NewWatcher(a.configPath,
		config.WithInterval(a.watchEvery),
		config.WithOnChange(func(_, _ *config.Config, d config.ConfigDiff) { a.applyDiff(d) }),
	)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// applyDiff pushes hot-reloadable settings into the running subsystems.
func (a *App) applyDiff(d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DrainBudgetChanged {
		a.engine.SetDrainBudget(d.NewDrainBudget)
		slog.Info("drain budget changed", "drain_budget", d.NewDrainBudget)
	}
	if d.SendTimeoutChanged || d.RetryBackoffChanged {
		timeout, backoff := a.ctl.RetryPolicy()
		if d.SendTimeoutChanged {
			timeout = d.NewSendTimeout
		}
		if d.RetryBackoffChanged {
			backoff = d.NewRetryBackoff
		}
		a.ctl.SetRetryPolicy(timeout, backoff)
		slog.Info("retry policy changed", "send_timeout", timeout, "retry_backoff", backoff)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the engine, the control loop and the HTTP server, and blocks
// until ctx is cancelled or one of them fails. It returns ctx.Err() on a
// clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.engine.Start(gctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}
	g.Go(func() error {
		<-a.engine.Done()
		if gctx.Err() == nil {
			return errors.New("app: engine stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error { return a.ctl.Run(gctx) })

	g.Go(func() error {
		tls := a.cfg.Server.TLS
		var cert, key string
		if tls != nil {
			cert, key = tls.CertFile, tls.KeyFile
		}
		if a.listener != nil {
			return a.server.Serve(gctx, a.listener, cert, key, shutdownTimeout)
		}
		return a.server.ListenAndServe(gctx, a.cfg.Server.ListenAddr, cert, key, shutdownTimeout)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if every := a.cfg.Telemetry.StatsInterval; every > 0 {
		g.Go(func() error {
			a.logStats(gctx, every)
			return nil
		})
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// logStats logs a counter snapshot at debug level every interval.
func (a *App) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.engine.Stats()
			slog.Debug("engine stats",
				"callbacks", s.Callbacks,
				"applied", s.TotalApplied(),
				"rejected", s.TotalRejected(),
				"feedback_dropped", s.FeedbackDropped,
				"scratch_exhausted", s.ScratchExhausted,
				"to_audio_depth", s.Bus.ToAudioDepth,
				"tempo", s.Tempo,
				"tracks", s.Tracks,
			)
		}
	}
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Stats is the document served at GET /v1/stats.
type Stats struct {
	Engine  engine.Stats  `json:"engine"`
	Control control.Stats `json:"control"`
	Breaker string        `json:"breaker"`
}

// Stats returns a snapshot of every subsystem's counters.
func (a *App) Stats() Stats {
	return Stats{
		Engine:  a.engine.Stats(),
		Control: a.ctl.Stats(),
		Breaker: a.breaker.State().String(),
	}
}

// Controller returns the control loop commands are submitted through.
func (a *App) Controller() *control.Controller { return a.ctl }

// Engine returns the real-time engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP handler of the control surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// engineCounters adapts engine stats to the exported instrument set.
func (a *App) engineCounters() observe.EngineCounters {
	s := a.engine.Stats()
	c := observe.EngineCounters{
		Callbacks:        int64(s.Callbacks),
		Applied:          make(map[string]int64, len(s.Applied)),
		Rejected:         make(map[string]int64, len(s.Rejected)),
		FeedbackDropped:  int64(s.FeedbackDropped),
		ScratchExhausted: int64(s.ScratchExhausted),
		ToAudioDepth:     int64(s.Bus.ToAudioDepth),
		ToUIDepth:        int64(s.Bus.ToUIDepth),
	}
	for k, n := range s.Applied {
		c.Applied[k.String()] = int64(n)
	}
	for k, n := range s.Rejected {
		c.Rejected[k.String()] = int64(n)
	}
	return c
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
