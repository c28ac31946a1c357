// Package resilience provides a circuit breaker that sheds control-side load
// while the audio engine is not draining its command bus.
//
// A stalled engine turns every submission into a full send-timeout wait
// ending in backpressure. [Breaker] counts those outcomes and, once they pile
// up, fails new submissions immediately with [ErrCircuitOpen] until a probe
// shows the bus has room again.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] when the breaker is open and
// the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any counted failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive counted failures in the closed
	// state before the breaker opens. Default: 8.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before letting probes
	// through. Default: 1s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed in the half-open state.
	// Default: 2.
	HalfOpenMax int

	// Trips reports whether err counts as a failure. Errors it rejects pass
	// through without touching the breaker, e.g. a malformed command says
	// nothing about the engine. Default: every non-nil error trips.
	Trips func(err error) bool

	// OnStateChange, when set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(from, to State)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	trips         func(error) bool
	onStateChange func(from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
	rejected        uint64
}

// New creates a [Breaker]. Zero-value config fields are replaced with defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 8
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	if cfg.Trips == nil {
		cfg.Trips = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		trips:         cfg.Trips,
		onStateChange: cfg.OnStateChange,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

// Call is [Breaker.Execute] for functions that also return a value.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Execute(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			b.rejected++
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeSuccesses = 0
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			b.rejected++
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	probe = b.state == StateHalfOpen
	if probe {
		b.probes++
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state

	switch {
	case err != nil && b.trips(err):
		b.consecutiveFail++
		// Any failing probe re-opens immediately.
		if probe || b.consecutiveFail >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case probe:
		// A probe that did not trip counts as a success, even when it
		// returned an error the breaker ignores.
		b.probeSuccesses++
		if b.probeSuccesses >= b.halfOpenMax {
			b.state = StateClosed
			b.consecutiveFail = 0
		}
	case err == nil:
		b.consecutiveFail = 0
	}

	to := b.state
	fails := b.consecutiveFail
	b.mu.Unlock()

	if from != to {
		slog.Warn("circuit breaker state changed",
			"name", b.name,
			"from", from.String(),
			"to", to.String(),
			"consecutive_failures", fails,
		)
	}
	b.changed(from, to)
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Rejected returns how many calls were refused with [ErrCircuitOpen].
func (b *Breaker) Rejected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFail = 0
	b.probes = 0
	b.probeSuccesses = 0
	b.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", b.name)
	b.changed(from, StateClosed)
}
