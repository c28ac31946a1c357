package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// scrape is one collection from a ManualReader, keyed by instrument name.
type scrape map[string]metricdata.Aggregation

func newTestMetrics(t *testing.T) (*Metrics, func() scrape) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, func() scrape {
		t.Helper()
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		s := scrape{}
		for _, sm := range rm.ScopeMetrics {
			for _, met := range sm.Metrics {
				s[met.Name] = met.Data
			}
		}
		return s
	}
}

// byAttr maps the value of key on each int64 data point to the point value.
// An empty key maps every point to "".
func byAttr(t *testing.T, s scrape, name, key string) map[string]int64 {
	t.Helper()
	var points []metricdata.DataPoint[int64]
	switch data := s[name].(type) {
	case metricdata.Sum[int64]:
		points = data.DataPoints
	case metricdata.Gauge[int64]:
		points = data.DataPoints
	case nil:
		t.Fatalf("%s not collected", name)
	default:
		t.Fatalf("%s is %T, want an int64 sum or gauge", name, data)
	}
	out := make(map[string]int64, len(points))
	for _, dp := range points {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] = dp.Value
	}
	return out
}

func histogram(t *testing.T, s scrape, name string) metricdata.Histogram[float64] {
	t.Helper()
	h, ok := s[name].(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s is %T, want a float64 histogram", name, s[name])
	}
	return h
}

func TestRecordBusSend_CountsByStatus(t *testing.T) {
	t.Parallel()
	m, collect := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBusSend(ctx, "to_audio", true)
	m.RecordBusSend(ctx, "to_audio", true)
	m.RecordBusSend(ctx, "to_audio", false)
	m.RecordBusSend(ctx, "to_ui", false)

	s := collect()
	got := map[string]int64{}
	data := s["mixmind.bus.sent"].(metricdata.Sum[int64])
	for _, dp := range data.DataPoints {
		dir, _ := dp.Attributes.Value("direction")
		status, _ := dp.Attributes.Value("status")
		got[dir.AsString()+"/"+status.AsString()] = dp.Value
	}
	want := map[string]int64{"to_audio/ok": 2, "to_audio/full": 1, "to_ui/full": 1}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("bus.sent[%s] = %d, want %d (all: %v)", k, got[k], v, got)
		}
	}
}

func TestRecordSubmission_SplitsLatencyAndBackpressure(t *testing.T) {
	t.Parallel()
	m, collect := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSubmission(ctx, "set_tempo", true, 3*time.Microsecond)
	m.RecordSubmission(ctx, "set_tempo", true, 40*time.Millisecond)
	m.RecordSubmission(ctx, "add_track", false, 250*time.Millisecond)

	s := collect()
	h := histogram(t, s, "mixmind.control.send_latency")
	if len(h.DataPoints) != 1 {
		t.Fatalf("send_latency series = %d, want 1 (rejected submissions are not timed)", len(h.DataPoints))
	}
	if kind, _ := h.DataPoints[0].Attributes.Value("kind"); kind.AsString() != "set_tempo" {
		t.Errorf("send_latency kind = %q", kind.AsString())
	}
	if h.DataPoints[0].Count != 2 {
		t.Errorf("send_latency count = %d, want 2", h.DataPoints[0].Count)
	}
	// 3µs must land in the lowest buckets, not in an overflow bucket.
	if h.DataPoints[0].BucketCounts[len(h.DataPoints[0].BucketCounts)-1] != 0 {
		t.Errorf("samples overflowed the send buckets: %v", h.DataPoints[0].BucketCounts)
	}

	if got := byAttr(t, s, "mixmind.control.backpressure", "kind"); got["add_track"] != 1 || len(got) != 1 {
		t.Errorf("backpressure = %v, want add_track=1", got)
	}
}

func TestObserveEngine_ExportsSnapshotUntilUnregistered(t *testing.T) {
	t.Parallel()
	m, collect := newTestMetrics(t)

	counters := EngineCounters{
		Callbacks:        100,
		Applied:          map[string]int64{"set_tempo": 3, "add_track": 2},
		Rejected:         map[string]int64{"insert_plugin": 1},
		FeedbackDropped:  4,
		ScratchExhausted: 5,
		ToAudioDepth:     7,
		ToUIDepth:        1,
	}
	reg, err := m.ObserveEngine(func() EngineCounters { return counters })
	if err != nil {
		t.Fatalf("ObserveEngine: %v", err)
	}

	s := collect()
	tests := []struct {
		name, key, val string
		want           int64
	}{
		{"mixmind.engine.callbacks", "", "", 100},
		{"mixmind.engine.applied", "kind", "set_tempo", 3},
		{"mixmind.engine.applied", "kind", "add_track", 2},
		{"mixmind.engine.rejected", "kind", "insert_plugin", 1},
		{"mixmind.engine.feedback_dropped", "", "", 4},
		{"mixmind.engine.scratch_exhausted", "", "", 5},
		{"mixmind.bus.depth", "direction", "to_audio", 7},
		{"mixmind.bus.depth", "direction", "to_ui", 1},
	}
	for _, tc := range tests {
		if got := byAttr(t, s, tc.name, tc.key)[tc.val]; got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.name, tc.key, tc.val, got, tc.want)
		}
	}

	if err := reg.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if g, ok := collect()["mixmind.bus.depth"].(metricdata.Gauge[int64]); ok && len(g.DataPoints) != 0 {
		t.Errorf("bus.depth still reported after Unregister: %v", g.DataPoints)
	}
}

func TestWebSocketClients_TracksConnections(t *testing.T) {
	t.Parallel()
	m, collect := newTestMetrics(t)
	ctx := context.Background()

	m.WebSocketClients.Add(ctx, 1)
	m.WebSocketClients.Add(ctx, 1)
	m.WebSocketClients.Add(ctx, -1)

	if got := byAttr(t, collect(), "mixmind.ws.clients", "")[""]; got != 1 {
		t.Errorf("ws.clients = %d, want 1", got)
	}
}

func TestDefaultMetrics_IsShared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics built two instrument sets")
	}
}
