package engine

import (
	"math"
	"time"

	"github.com/MrWong99/mixmind/pkg/msg"
)

// project is the audio-side project state. Every table is sized in
// newProject; applying a command only writes into existing slots.
type project struct {
	engine *Engine

	tempo   float64
	tracks  []track // len == max tracks
	ntracks int
}

type track struct {
	name     string
	plugins  []string // len == max plugins per track
	nplugins int
}

var _ msg.Handler = (*project)(nil)

// DefaultTempo is the tempo of a fresh project.
const DefaultTempo = 120.0

func newProject(maxTracks, maxPlugins int) *project {
	p := &project{
		tempo:  DefaultTempo,
		tracks: make([]track, maxTracks),
	}
	for i := range p.tracks {
		p.tracks[i].plugins = make([]string, maxPlugins)
	}
	return p
}

func (p *project) SetTempo(v msg.SetTempo) {
	if math.IsNaN(v.BPM) || v.BPM < MinTempo || v.BPM > MaxTempo {
		p.engine.counters.reject(msg.KindSetTempo)
		return
	}
	p.tempo = v.BPM
	p.engine.counters.tempo.Store(math.Float64bits(v.BPM))
	p.engine.applied(v.Command())
}

func (p *project) AddTrack(v msg.AddTrack) {
	if p.ntracks == len(p.tracks) {
		p.engine.counters.reject(msg.KindAddTrack)
		return
	}
	t := &p.tracks[p.ntracks]
	t.name = v.Name
	t.nplugins = 0
	p.ntracks++
	p.engine.counters.tracks.Store(int64(p.ntracks))
	p.engine.applied(v.Command())
}

func (p *project) InsertPlugin(v msg.InsertPlugin) {
	if v.TrackIndex < 0 || v.TrackIndex >= p.ntracks {
		p.engine.counters.reject(msg.KindInsertPlugin)
		return
	}
	t := &p.tracks[v.TrackIndex]
	if t.nplugins == len(t.plugins) {
		p.engine.counters.reject(msg.KindInsertPlugin)
		return
	}
	t.plugins[t.nplugins] = v.PluginID
	t.nplugins++
	p.engine.counters.plugins.Add(1)
	p.engine.applied(v.Command())
}

// render writes one period of output into blk. The simulated engine has no
// signal path, so the period is silence with a click in the first byte when
// the period crosses a beat at the current tempo.
func (p *project) render(blk []byte) {
	clear(blk)
	e := p.engine
	periodUS := uint64(e.period / time.Microsecond)
	if periodUS == 0 || len(blk) == 0 {
		return
	}
	usPerBeat := uint64(60e6 / p.tempo)
	end := e.counters.callbacks.Load() * periodUS
	if end/usPerBeat != (end-periodUS)/usPerBeat {
		blk[0] = 0x7f
		e.counters.beats.Add(1)
	}
}

// applied echoes cmd to the UI side, or counts the drop when that direction
// is full.
func (e *Engine) applied(cmd msg.Command) {
	e.counters.apply(cmd.Kind())
	if !e.bus.SendToUI(cmd) {
		e.counters.feedbackDropped.Add(1)
	}
}
