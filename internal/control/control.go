// Package control implements the control side of the command bus: the single
// goroutine that sends commands to the audio engine and consumes its feedback.
//
// Any number of goroutines (HTTP handlers, websocket clients) may call
// [Controller.Submit]. Submissions are funnelled through a channel to the one
// goroutine running [Controller.Run], so the to-audio ring keeps exactly one
// producer and the to-UI ring exactly one consumer.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/mixmind/internal/observe"
	"github.com/MrWong99/mixmind/pkg/msg"
	"github.com/MrWong99/mixmind/pkg/rt/bus"
	"github.com/MrWong99/mixmind/pkg/rt/rtthread"
)

var (
	// ErrBackpressure is returned by [Controller.Submit] when the to-audio
	// direction stayed full until the submission's deadline.
	ErrBackpressure = errors.New("control: command bus full")

	// ErrInvalidCommand is returned for the zero [msg.Command].
	ErrInvalidCommand = errors.New("control: command has no variant")

	// ErrClosed is returned when the control loop is not running any more.
	ErrClosed = errors.New("control: loop stopped")

	// ErrRunning is returned by a second concurrent [Controller.Run].
	ErrRunning = errors.New("control: loop already running")
)

// Defaults used when the corresponding option is not given.
const (
	DefaultSendTimeout    = 250 * time.Millisecond
	DefaultRetryBackoff   = 50 * time.Microsecond
	DefaultPollInterval   = 2 * time.Millisecond
	DefaultPollBudget     = 256
	DefaultFeedbackBuffer = 64

	// spinAttempts is how many retries yield the processor before the loop
	// starts sleeping for the retry backoff.
	spinAttempts = 64
)

// Receipt describes an accepted submission.
type Receipt struct {
	// ID identifies the submission in logs and API responses.
	ID uuid.UUID `json:"id"`

	// Kind is the submitted command's variant.
	Kind string `json:"kind"`

	// Attempts is how many sends it took; 1 means the bus had room.
	Attempts int `json:"attempts"`

	// Latency is the time from Submit to the command landing on the bus.
	Latency time.Duration `json:"latency_ns"`
}

type request struct {
	ctx      context.Context
	id       uuid.UUID
	cmd      msg.Command
	enqueued time.Time
	reply    chan result
}

type result struct {
	receipt Receipt
	err     error
}

// Controller owns the control side of one bus. Construct with [New] and run
// with [Controller.Run].
type Controller struct {
	bus     *bus.Bus
	marker  *rtthread.Marker
	metrics *observe.Metrics

	sendTimeout  atomic.Int64 // time.Duration
	retryBackoff atomic.Int64 // time.Duration
	pollInterval time.Duration
	pollBudget   int
	subBuffer    int

	reqs    chan request
	done    chan struct{}
	running atomic.Bool

	feedback *feedback

	stats struct {
		submitted    atomic.Uint64
		accepted     atomic.Uint64
		backpressure atomic.Uint64
		received     atomic.Uint64
	}
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithRetryPolicy sets how long a submission retries against a full bus and
// how long it sleeps between retries once spinning is exhausted.
func WithRetryPolicy(timeout, backoff time.Duration) Option {
	return func(c *Controller) { c.SetRetryPolicy(timeout, backoff) }
}

// WithPolling sets the idle feedback poll interval and the maximum number of
// feedback commands drained per loop iteration.
func WithPolling(interval time.Duration, budget int) Option {
	return func(c *Controller) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if budget > 0 {
			c.pollBudget = budget
		}
	}
}

// WithFeedbackBuffer sets the channel depth of each subscriber.
func WithFeedbackBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.subBuffer = n
		}
	}
}

// WithMarker lets the controller assert, in rtassert builds, that it never
// runs on the audio thread.
func WithMarker(m *rtthread.Marker) Option {
	return func(c *Controller) { c.marker = m }
}

// WithMetrics records submission metrics into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a controller for b.
func New(b *bus.Bus, opts ...Option) *Controller {
	c := &Controller{
		bus:          b,
		pollInterval: DefaultPollInterval,
		pollBudget:   DefaultPollBudget,
		subBuffer:    DefaultFeedbackBuffer,
		reqs:         make(chan request),
		done:         make(chan struct{}),
	}
	c.sendTimeout.Store(int64(DefaultSendTimeout))
	c.retryBackoff.Store(int64(DefaultRetryBackoff))
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.feedback = newFeedback(c)
	return c
}

// SetRetryPolicy changes the retry policy for subsequent submissions.
// Non-positive values leave the corresponding setting unchanged.
func (c *Controller) SetRetryPolicy(timeout, backoff time.Duration) {
	if timeout > 0 {
		c.sendTimeout.Store(int64(timeout))
	}
	if backoff > 0 {
		c.retryBackoff.Store(int64(backoff))
	}
}

// RetryPolicy returns the current send timeout and retry backoff.
func (c *Controller) RetryPolicy() (timeout, backoff time.Duration) {
	return time.Duration(c.sendTimeout.Load()), time.Duration(c.retryBackoff.Load())
}

// Submit hands cmd to the control loop and waits until it lands on the bus.
// When ctx has no deadline the configured send timeout applies. Submit is
// safe for concurrent use. It returns [ErrBackpressure] if the bus stayed
// full until the deadline.
//
// Landing on the bus does not mean the engine accepted the command; applied
// commands come back through [Controller.Subscribe].
func (c *Controller) Submit(ctx context.Context, cmd msg.Command) (receipt Receipt, err error) {
	if cmd.IsZero() {
		return Receipt{}, ErrInvalidCommand
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.sendTimeout.Load()))
		defer cancel()
	}

	id := uuid.New()
	ctx, span := observe.StartSubmitSpan(ctx, cmd.Kind().String(), id.String())
	defer func() { observe.EndSpan(span, err) }()

	req := request{
		ctx:      ctx,
		id:       id,
		cmd:      cmd,
		enqueued: time.Now(),
		reply:    make(chan result, 1),
	}
	c.stats.submitted.Add(1)

	select {
	case c.reqs <- req:
	case <-c.done:
		return Receipt{}, ErrClosed
	case <-ctx.Done():
		return Receipt{}, c.reject(req, 0)
	}

	res := <-req.reply
	return res.receipt, res.err
}

func (c *Controller) reject(req request, attempts int) error {
	c.stats.backpressure.Add(1)
	c.metrics.RecordSubmission(req.ctx, req.cmd.Kind().String(), false, time.Since(req.enqueued))
	observe.Logger(req.ctx).Warn("command rejected: bus full",
		"id", req.id,
		"command", req.cmd,
		"attempts", attempts,
	)
	return fmt.Errorf("%w after %d attempts: %w", ErrBackpressure, attempts, req.ctx.Err())
}

// Run is the control loop. It serves submissions and polls feedback until
// ctx is done, then returns nil. Only one Run may be active per Controller.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(c.done)
	defer c.feedback.closeAll()

	slog.Info("control loop started",
		"poll_interval", c.pollInterval,
		"poll_budget", c.pollBudget,
	)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.poll()
			slog.Info("control loop stopped")
			return nil
		case req := <-c.reqs:
			c.send(req)
			c.poll()
		case <-ticker.C:
			c.poll()
		}
	}
}

// send pushes req onto the bus, retrying until req.ctx is done. Feedback is
// drained between retries so the engine is not starved of to-UI room while
// we wait for to-audio room.
func (c *Controller) send(req request) {
	if c.marker != nil {
		rtthread.AssertNot(c.marker, "control.send")
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		if c.bus.SendToAudio(req.cmd) {
			took := time.Since(req.enqueued)
			c.stats.accepted.Add(1)
			c.metrics.RecordBusSend(req.ctx, string(bus.ToAudio), true)
			c.metrics.RecordSubmission(req.ctx, req.cmd.Kind().String(), true, took)
			req.reply <- result{receipt: Receipt{
				ID:       req.id,
				Kind:     req.cmd.Kind().String(),
				Attempts: attempt,
				Latency:  took,
			}}
			return
		}
		if req.ctx.Err() != nil {
			c.metrics.RecordBusSend(req.ctx, string(bus.ToAudio), false)
			req.reply <- result{err: c.reject(req, attempt)}
			return
		}

		c.poll()
		if attempt < spinAttempts {
			runtime.Gosched()
			continue
		}

		backoff := time.Duration(c.retryBackoff.Load())
		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			timer.Reset(backoff)
		}
		select {
		case <-timer.C:
		case <-req.ctx.Done():
		}
	}
}

// poll drains at most the poll budget of feedback into the project mirror
// and subscribers.
func (c *Controller) poll() int {
	n := c.bus.DrainUI(c.pollBudget, c.feedback)
	c.stats.received.Add(uint64(n))
	return n
}

// Stats counts submissions and feedback since [New].
type Stats struct {
	Submitted       uint64 `json:"submitted"`
	Accepted        uint64 `json:"accepted"`
	Backpressure    uint64 `json:"backpressure"`
	Feedback        uint64 `json:"feedback"`
	SubscriberDrops uint64 `json:"subscriber_drops"`
	Subscribers     int    `json:"subscribers"`
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Submitted:       c.stats.submitted.Load(),
		Accepted:        c.stats.accepted.Load(),
		Backpressure:    c.stats.backpressure.Load(),
		Feedback:        c.stats.received.Load(),
		SubscriberDrops: c.feedback.drops.Load(),
		Subscribers:     c.feedback.count(),
	}
}

// Done is closed when [Controller.Run] returns.
func (c *Controller) Done() <-chan struct{} { return c.done }
