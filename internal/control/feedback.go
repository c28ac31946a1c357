package control

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/mixmind/internal/engine"
	"github.com/MrWong99/mixmind/pkg/msg"
)

// Event is one applied command reported back by the engine.
type Event struct {
	// Seq numbers feedback events from 1 in the order they were received.
	Seq uint64 `json:"seq"`

	// Command is the applied command.
	Command msg.Command `json:"command"`

	// At is when the control loop received the event.
	At time.Time `json:"at"`
}

// Project is the control side's view of the engine's project, rebuilt from
// feedback. It lags the engine by at most one poll.
type Project struct {
	Tempo  float64 `json:"tempo"`
	Tracks []Track `json:"tracks"`
}

// Track is one track of a [Project].
type Track struct {
	Name    string   `json:"name"`
	Plugins []string `json:"plugins"`
}

func (p Project) clone() Project {
	out := Project{Tempo: p.Tempo, Tracks: make([]Track, len(p.Tracks))}
	for i, t := range p.Tracks {
		out.Tracks[i] = Track{Name: t.Name, Plugins: slices.Clone(t.Plugins)}
	}
	return out
}

// Subscription delivers feedback events. Events are dropped, not queued,
// when C is full.
type Subscription struct {
	C <-chan Event

	id uint64
	f  *feedback
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() { s.f.unsubscribe(s.id) }

// feedback is the msg.Handler the control loop drains the to-UI direction
// into. Handler methods run on the control goroutine only.
type feedback struct {
	c *Controller

	mu      sync.RWMutex
	project Project
	seq     uint64
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool

	drops atomic.Uint64
}

var _ msg.Handler = (*feedback)(nil)

func newFeedback(c *Controller) *feedback {
	return &feedback{
		c:       c,
		project: Project{Tempo: engine.DefaultTempo, Tracks: []Track{}},
		subs:    make(map[uint64]chan Event),
	}
}

func (f *feedback) SetTempo(v msg.SetTempo) {
	f.apply(v.Command(), func(p *Project) { p.Tempo = v.BPM })
}

func (f *feedback) AddTrack(v msg.AddTrack) {
	f.apply(v.Command(), func(p *Project) {
		p.Tracks = append(p.Tracks, Track{Name: v.Name, Plugins: []string{}})
	})
}

func (f *feedback) InsertPlugin(v msg.InsertPlugin) {
	f.apply(v.Command(), func(p *Project) {
		// The engine only echoes valid inserts; the check guards against
		// feedback lost to a full to-UI direction.
		if v.TrackIndex >= 0 && v.TrackIndex < len(p.Tracks) {
			t := &p.Tracks[v.TrackIndex]
			t.Plugins = append(t.Plugins, v.PluginID)
		}
	})
}

func (f *feedback) apply(cmd msg.Command, mutate func(*Project)) {
	f.mu.Lock()
	mutate(&f.project)
	f.seq++
	ev := Event{Seq: f.seq, Command: cmd, At: time.Now()}
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.drops.Add(1)
			f.c.metrics.SubscriberDrops.Add(context.Background(), 1)
		}
	}
	f.mu.Unlock()
}

func (f *feedback) subscribe(buffer int) *Subscription {
	ch := make(chan Event, buffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return &Subscription{C: ch, f: f}
	}
	f.nextID++
	f.subs[f.nextID] = ch
	return &Subscription{C: ch, id: f.nextID, f: f}
}

func (f *feedback) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *feedback) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *feedback) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Subscribe registers a feedback subscriber. C is closed when the
// subscription is closed or the control loop stops.
func (c *Controller) Subscribe() *Subscription {
	return c.feedback.subscribe(c.subBuffer)
}

// Project returns a copy of the project mirror.
func (c *Controller) Project() Project {
	c.feedback.mu.RLock()
	defer c.feedback.mu.RUnlock()
	return c.feedback.project.clone()
}
