// Package engine runs the audio side of mixmind: a simulated audio callback
// that owns the project state and is the single consumer of the to-audio bus
// direction and the single producer of the to-UI direction.
//
// Every callback drains a bounded number of commands, applies them to
// preallocated state and echoes each applied command back as feedback. The
// callback never blocks, never allocates and never logs. Everything it wants
// to report is counted in atomics and read off-thread through [Engine.Stats].
//
// Hosts that own a real audio thread call [Engine.Attach] once on that thread
// and [Engine.Process] from the driver callback. Without such a host,
// [Engine.Start] runs the callback on a ticker-driven goroutine locked to an
// OS thread.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/mixmind/pkg/msg"
	"github.com/MrWong99/mixmind/pkg/rt/blockpool"
	"github.com/MrWong99/mixmind/pkg/rt/bus"
	"github.com/MrWong99/mixmind/pkg/rt/rtthread"
)

// Tempo bounds accepted by SetTempo.
const (
	MinTempo = 20.0
	MaxTempo = 999.0
)

// Defaults used when the corresponding option is not given.
const (
	DefaultDrainBudget        = 64
	DefaultCallbackPeriod     = 5 * time.Millisecond
	DefaultMaxTracks          = 64
	DefaultMaxPluginsPerTrack = 8
	DefaultScratchBlockSize   = 4096
	DefaultScratchBlockCount  = 16
)

var (
	// ErrRunning is returned by [Engine.Start] when the callback goroutine is
	// already running.
	ErrRunning = errors.New("engine: already running")

	// ErrNilBus is returned by [New] when no bus is given.
	ErrNilBus = errors.New("engine: nil bus")
)

// Engine is one audio engine instance. Construct with [New].
type Engine struct {
	bus    *bus.Bus
	pool   *blockpool.Pool
	marker *rtthread.Marker
	period time.Duration

	// budget is read by every callback and may be changed from any goroutine.
	budget atomic.Int64

	// state is owned by the audio goroutine.
	state *project

	counters counters

	mu      sync.Mutex // guards stop, done
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// Option is a functional option for [New].
type Option func(*options)

type options struct {
	drainBudget  int
	period       time.Duration
	maxTracks    int
	maxPlugins   int
	pool         *blockpool.Pool
	blockSize    int
	blockCount   int
	poolStrategy blockpool.Strategy
	marker       *rtthread.Marker
}

// WithDrainBudget caps how many commands one callback applies. Values below
// one are ignored.
func WithDrainBudget(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.drainBudget = n
		}
	}
}

// WithCallbackPeriod sets the interval between callbacks driven by [Engine.Start].
func WithCallbackPeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.period = d
		}
	}
}

// WithLimits sets the size of the track table and the plugin slots per track.
func WithLimits(maxTracks, maxPluginsPerTrack int) Option {
	return func(o *options) {
		if maxTracks > 0 {
			o.maxTracks = maxTracks
		}
		if maxPluginsPerTrack > 0 {
			o.maxPlugins = maxPluginsPerTrack
		}
	}
}

// WithScratch sizes the scratch block pool the engine creates for itself.
func WithScratch(blockSize, blockCount int, s blockpool.Strategy) Option {
	return func(o *options) {
		o.blockSize = blockSize
		o.blockCount = blockCount
		o.poolStrategy = s
	}
}

// WithScratchPool makes the engine borrow scratch blocks from p instead of
// creating its own pool. p may be shared with other goroutines.
func WithScratchPool(p *blockpool.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithMarker uses m as the engine's audio thread marker, so callers can hold
// on to it for assertions of their own.
func WithMarker(m *rtthread.Marker) Option {
	return func(o *options) { o.marker = m }
}

// New creates an engine consuming commands from b. The engine does not run
// until [Engine.Start] or [Engine.Process] is called.
func New(b *bus.Bus, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, ErrNilBus
	}
	o := options{
		drainBudget: DefaultDrainBudget,
		period:      DefaultCallbackPeriod,
		maxTracks:   DefaultMaxTracks,
		maxPlugins:  DefaultMaxPluginsPerTrack,
		blockSize:   DefaultScratchBlockSize,
		blockCount:  DefaultScratchBlockCount,
	}
	for _, opt := range opts {
		opt(&o)
	}

	pool := o.pool
	if pool == nil {
		var err error
		pool, err = blockpool.New(o.blockSize, o.blockCount, blockpool.WithStrategy(o.poolStrategy))
		if err != nil {
			return nil, fmt.Errorf("engine: scratch pool: %w", err)
		}
	}
	marker := o.marker
	if marker == nil {
		marker = &rtthread.Marker{}
	}

	e := &Engine{
		bus:    b,
		pool:   pool,
		marker: marker,
		period: o.period,
		state:  newProject(o.maxTracks, o.maxPlugins),
	}
	e.state.engine = e
	e.budget.Store(int64(o.drainBudget))
	return e, nil
}

// Marker returns the engine's audio thread marker.
func (e *Engine) Marker() *rtthread.Marker { return e.marker }

// Bus returns the bus the engine consumes from.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// DrainBudget returns the current per-callback drain budget.
func (e *Engine) DrainBudget() int { return int(e.budget.Load()) }

// SetDrainBudget changes the per-callback drain budget. It takes effect on
// the next callback. Values below one are clamped to one.
func (e *Engine) SetDrainBudget(n int) {
	e.budget.Store(int64(max(n, 1)))
}

// Running reports whether the callback goroutine started by [Engine.Start]
// is running.
func (e *Engine) Running() bool { return e.running.Load() }

// Attach marks the calling goroutine as this engine's audio thread. Hosts
// that drive [Engine.Process] from their own audio thread call it once on
// that thread before the first callback.
func (e *Engine) Attach() { e.marker.MarkAudioThread() }

// Detach forgets the audio thread.
func (e *Engine) Detach() { e.marker.Reset() }

// Process runs one audio callback on the calling goroutine: it applies at
// most the drain budget of queued commands and renders one period into a
// scratch block. It returns how many commands were dequeued.
//
// Process must only be called from the attached audio thread. It does not
// block or allocate.
func (e *Engine) Process() int {
	rtthread.Assert(e.marker, "engine.Process")
	e.counters.callbacks.Add(1)

	n := e.bus.DrainAudio(int(e.budget.Load()), e.state)

	blk := e.pool.TryAlloc()
	if blk == nil {
		e.counters.scratchExhausted.Add(1)
		return n
	}
	e.state.render(blk)
	e.pool.Free(blk)
	return n
}

// Start spawns the callback goroutine, locks it to an OS thread, marks it as
// the audio thread and runs [Engine.Process] every callback period until ctx
// is done or [Engine.Stop] is called. Start returns once the goroutine is
// marked.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.mu.Lock()
	e.stop, e.done = stop, done
	e.mu.Unlock()

	ready := make(chan struct{})
	go e.run(ctx, stop, done, ready)
	<-ready
	return nil
}

func (e *Engine) run(ctx context.Context, stop, done, ready chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer e.running.Store(false)
	defer e.marker.Reset()

	e.Attach()
	close(ready)

	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			e.Process()
		}
	}
}

// Stop signals the callback goroutine to exit and waits for it. The marker
// is reset once the goroutine is gone. Stop is safe to call more than once
// and on an engine that was never started.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop = nil
	e.mu.Unlock()

	if stop == nil {
		if done != nil {
			<-done
		}
		return
	}
	close(stop)
	<-done
}

// Done returns a channel closed when the callback goroutine of the current
// run exits. It returns nil before the first [Engine.Start].
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
