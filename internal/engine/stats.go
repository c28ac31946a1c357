package engine

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/mixmind/pkg/msg"
	"github.com/MrWong99/mixmind/pkg/rt/bus"
)

// numKinds sizes the per-kind counter arrays; index 0 (KindNone) is unused.
const numKinds = int(msg.KindInsertPlugin) + 1

// counters are written by the audio goroutine and read by anyone.
type counters struct {
	callbacks        atomic.Uint64
	beats            atomic.Uint64
	applied          [numKinds]atomic.Uint64
	rejected         [numKinds]atomic.Uint64
	feedbackDropped  atomic.Uint64
	scratchExhausted atomic.Uint64

	// Mirrors of audio-side state for off-thread readers.
	tempo   atomic.Uint64 // float64 bits; 0 until the first SetTempo
	tracks  atomic.Int64
	plugins atomic.Int64
}

func (c *counters) apply(k msg.Kind)  { c.applied[k].Add(1) }
func (c *counters) reject(k msg.Kind) { c.rejected[k].Add(1) }

// Stats is a point-in-time snapshot of the engine's counters. Counters are
// cumulative since [New].
type Stats struct {
	Running bool `json:"running"`
	Marked  bool `json:"marked"`

	Callbacks        uint64              `json:"callbacks"`
	Beats            uint64              `json:"beats"`
	Applied          map[msg.Kind]uint64 `json:"applied"`
	Rejected         map[msg.Kind]uint64 `json:"rejected"`
	FeedbackDropped  uint64              `json:"feedback_dropped"`
	ScratchExhausted uint64              `json:"scratch_exhausted"`
	ScratchInUse     int                 `json:"scratch_in_use"`

	Tempo   float64 `json:"tempo"`
	Tracks  int     `json:"tracks"`
	Plugins int     `json:"plugins"`

	DrainBudget int       `json:"drain_budget"`
	Bus         bus.Stats `json:"bus"`
}

// TotalApplied sums Applied over all kinds.
func (s Stats) TotalApplied() uint64 {
	var n uint64
	for _, v := range s.Applied {
		n += v
	}
	return n
}

// TotalRejected sums Rejected over all kinds.
func (s Stats) TotalRejected() uint64 {
	var n uint64
	for _, v := range s.Rejected {
		n += v
	}
	return n
}

// Stats returns a snapshot of the engine counters. Safe to call from any
// goroutine except the audio thread, where the map allocation would be
// unwelcome.
func (e *Engine) Stats() Stats {
	c := &e.counters
	s := Stats{
		Running:          e.running.Load(),
		Marked:           e.marker.Marked(),
		Callbacks:        c.callbacks.Load(),
		Beats:            c.beats.Load(),
		Applied:          make(map[msg.Kind]uint64, len(msg.Kinds)),
		Rejected:         make(map[msg.Kind]uint64, len(msg.Kinds)),
		FeedbackDropped:  c.feedbackDropped.Load(),
		ScratchExhausted: c.scratchExhausted.Load(),
		ScratchInUse:     e.pool.InUse(),
		Tempo:            DefaultTempo,
		Tracks:           int(c.tracks.Load()),
		Plugins:          int(c.plugins.Load()),
		DrainBudget:      e.DrainBudget(),
		Bus:              e.bus.Stats(),
	}
	if bits := c.tempo.Load(); bits != 0 {
		s.Tempo = math.Float64frombits(bits)
	}
	for _, k := range msg.Kinds {
		s.Applied[k] = c.applied[k].Load()
		s.Rejected[k] = c.rejected[k].Load()
	}
	return s
}
