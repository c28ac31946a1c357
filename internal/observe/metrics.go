// Package observe wires mixmind's telemetry: OTel instruments for the control
// side and the engine, submission tracing, request logging middleware, and the
// Prometheus scrape handler built by [InitProvider].
//
// Nothing in this package may be called from the audio goroutine. Engine
// counters are plain atomics that [Metrics.ObserveEngine] reads at collection
// time from the exporter's goroutine. Tests build their own [Metrics] over a
// ManualReader with [NewMetrics]; [DefaultMetrics] binds to the global provider.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all mixmind metrics.
const meterName = "github.com/MrWong99/mixmind"

// Bus send outcomes used as the "status" attribute of [Metrics.BusSent].
const (
	StatusOK   = "ok"
	StatusFull = "full"
)

// Metrics is the instrument set. Safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Control side ---

	// BusSent counts send attempts on the command bus. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	BusSent metric.Int64Counter

	// SendLatency tracks how long a control-side submission took to land on
	// the bus, including retries against a full bus.
	SendLatency metric.Float64Histogram

	// Backpressure counts submissions that gave up because the bus stayed full.
	Backpressure metric.Int64Counter

	// SubscriberDrops counts feedback events dropped for slow subscribers.
	SubscriberDrops metric.Int64Counter

	// --- Engine side (observed, never recorded from the audio goroutine) ---

	Callbacks        metric.Int64ObservableCounter
	Applied          metric.Int64ObservableCounter
	Rejected         metric.Int64ObservableCounter
	FeedbackDropped  metric.Int64ObservableCounter
	ScratchExhausted metric.Int64ObservableCounter
	BusDepth         metric.Int64ObservableGauge

	// --- Server ---

	// WebSocketClients tracks connected websocket clients.
	WebSocketClients metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled by method, route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// sendBuckets defines histogram bucket boundaries (in seconds) for bus
// submission latency. A free bus lands in the first bucket; the tail covers
// retries up to the default send timeout.
var sendBuckets = []float64{
	0.000001, 0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Control side.
	if met.BusSent, err = m.Int64Counter("mixmind.bus.sent",
		metric.WithDescription("Command bus send attempts by direction and status."),
	); err != nil {
		return nil, err
	}
	if met.SendLatency, err = m.Float64Histogram("mixmind.control.send_latency",
		metric.WithDescription("Time from submission to the command landing on the bus."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sendBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Backpressure, err = m.Int64Counter("mixmind.control.backpressure",
		metric.WithDescription("Submissions rejected because the bus stayed full until the deadline."),
	); err != nil {
		return nil, err
	}
	if met.SubscriberDrops, err = m.Int64Counter("mixmind.control.subscriber_drops",
		metric.WithDescription("Feedback events dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}

	// Engine side.
	if met.Callbacks, err = m.Int64ObservableCounter("mixmind.engine.callbacks",
		metric.WithDescription("Audio callbacks run."),
	); err != nil {
		return nil, err
	}
	if met.Applied, err = m.Int64ObservableCounter("mixmind.engine.applied",
		metric.WithDescription("Commands applied by the audio engine, by kind."),
	); err != nil {
		return nil, err
	}
	if met.Rejected, err = m.Int64ObservableCounter("mixmind.engine.rejected",
		metric.WithDescription("Commands the audio engine refused as invalid, by kind."),
	); err != nil {
		return nil, err
	}
	if met.FeedbackDropped, err = m.Int64ObservableCounter("mixmind.engine.feedback_dropped",
		metric.WithDescription("Feedback the audio engine dropped because the to-UI direction was full."),
	); err != nil {
		return nil, err
	}
	if met.ScratchExhausted, err = m.Int64ObservableCounter("mixmind.engine.scratch_exhausted",
		metric.WithDescription("Callbacks that found the scratch block pool empty."),
	); err != nil {
		return nil, err
	}
	if met.BusDepth, err = m.Int64ObservableGauge("mixmind.bus.depth",
		metric.WithDescription("Queued commands per bus direction."),
	); err != nil {
		return nil, err
	}

	// Server.
	if met.WebSocketClients, err = m.Int64UpDownCounter("mixmind.ws.clients",
		metric.WithDescription("Number of connected websocket clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("mixmind.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route pattern and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments bound to [otel.GetMeterProvider], built
// once. It panics if the global provider rejects an instrument.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(fmt.Sprintf("observe: default metrics: %v", err))
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordBusSend records one send attempt on the given bus direction.
func (m *Metrics) RecordBusSend(ctx context.Context, direction string, ok bool) {
	status := StatusOK
	if !ok {
		status = StatusFull
	}
	m.BusSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("status", status),
		),
	)
}

// RecordSubmission records the outcome of one control-side submission.
// accepted=false means it gave up on backpressure.
func (m *Metrics) RecordSubmission(ctx context.Context, kind string, accepted bool, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if !accepted {
		m.Backpressure.Add(ctx, 1, attrs)
		return
	}
	m.SendLatency.Record(ctx, took.Seconds(), attrs)
}

// EngineCounters is the snapshot [Metrics.ObserveEngine] exports. Counter
// fields are cumulative since the engine was constructed.
type EngineCounters struct {
	Callbacks        int64
	Applied          map[string]int64 // by command kind
	Rejected         map[string]int64 // by command kind
	FeedbackDropped  int64
	ScratchExhausted int64

	ToAudioDepth int64
	ToUIDepth    int64
}

// ObserveEngine registers read as the source of the engine instruments.
// read runs on the collector's goroutine at every export. Unregister the
// returned registration when the engine goes away.
func (m *Metrics) ObserveEngine(read func() EngineCounters) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c := read()
		o.ObserveInt64(m.Callbacks, c.Callbacks)
		for kind, n := range c.Applied {
			o.ObserveInt64(m.Applied, n, metric.WithAttributes(attribute.String("kind", kind)))
		}
		for kind, n := range c.Rejected {
			o.ObserveInt64(m.Rejected, n, metric.WithAttributes(attribute.String("kind", kind)))
		}
		o.ObserveInt64(m.FeedbackDropped, c.FeedbackDropped)
		o.ObserveInt64(m.ScratchExhausted, c.ScratchExhausted)
		o.ObserveInt64(m.BusDepth, c.ToAudioDepth, metric.WithAttributes(attribute.String("direction", "to_audio")))
		o.ObserveInt64(m.BusDepth, c.ToUIDepth, metric.WithAttributes(attribute.String("direction", "to_ui")))
		return nil
	},
		m.Callbacks, m.Applied, m.Rejected, m.FeedbackDropped, m.ScratchExhausted, m.BusDepth,
	)
}
