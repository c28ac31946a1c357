// Package bus pairs two SPSC rings of [msg.Command] into a bidirectional
// command bus between one control goroutine and one audio goroutine.
//
//	direction   producer (Send*)    consumer (Poll*, Drain*)
//	to audio    control goroutine   audio goroutine
//	to UI       audio goroutine     control goroutine
//
// Each direction is FIFO. Nothing orders one direction relative to the other.
// Send* returns false when the direction is full; that is backpressure and
// the caller decides whether to drop, count or (off the audio goroutine only)
// retry.
package bus

import (
	"fmt"

	"github.com/MrWong99/mixmind/pkg/msg"
	"github.com/MrWong99/mixmind/pkg/rt/ring"
)

// DefaultCapacity is the slot count of each direction when none is configured.
const DefaultCapacity = 1024

// Direction names one side of the bus for telemetry.
type Direction string

const (
	ToAudio Direction = "to_audio"
	ToUI    Direction = "to_ui"
)

// Bus is the bidirectional command bus. Construct with [New].
type Bus struct {
	toAudio *ring.Ring[msg.Command]
	toUI    *ring.Ring[msg.Command]
}

// New creates a bus whose directions each have capacity slots (capacity-1
// usable). capacity must be a power of two >= 2.
func New(capacity int) (*Bus, error) {
	toAudio, err := ring.New[msg.Command](capacity)
	if err != nil {
		return nil, fmt.Errorf("bus: to-audio ring: %w", err)
	}
	toUI, err := ring.New[msg.Command](capacity)
	if err != nil {
		return nil, fmt.Errorf("bus: to-ui ring: %w", err)
	}
	return &Bus{toAudio: toAudio, toUI: toUI}, nil
}

// SendToAudio enqueues cmd for the audio goroutine. Control goroutine only.
func (b *Bus) SendToAudio(cmd msg.Command) bool { return b.toAudio.Push(cmd) }

// SendToUI enqueues cmd for the control goroutine. Audio goroutine only.
func (b *Bus) SendToUI(cmd msg.Command) bool { return b.toUI.Push(cmd) }

// PollAudio dequeues the oldest command for the audio goroutine. Audio
// goroutine only.
func (b *Bus) PollAudio() (msg.Command, bool) { return b.toAudio.Pop() }

// PollUI dequeues the oldest command for the control goroutine. Control
// goroutine only.
func (b *Bus) PollUI() (msg.Command, bool) { return b.toUI.Pop() }

// DrainAudio applies at most limit queued to-audio commands to h, oldest first,
// and returns how many were applied. The bound keeps one audio callback from
// chasing an unbounded backlog past its deadline. Audio goroutine only.
func (b *Bus) DrainAudio(limit int, h msg.Handler) int {
	return drain(b.toAudio, limit, h)
}

// DrainUI is the control-side counterpart of [Bus.DrainAudio].
func (b *Bus) DrainUI(limit int, h msg.Handler) int {
	return drain(b.toUI, limit, h)
}

func drain(r *ring.Ring[msg.Command], limit int, h msg.Handler) int {
	n := 0
	for n < limit {
		cmd, ok := r.Pop()
		if !ok {
			break
		}
		cmd.Visit(h)
		n++
	}
	return n
}

// Stats is a point-in-time view of queue depths.
type Stats struct {
	Capacity     int `json:"capacity"` // slots per direction
	ToAudioDepth int `json:"to_audio_depth"`
	ToUIDepth    int `json:"to_ui_depth"`
}

// Depth returns the queued count for d.
func (s Stats) Depth(d Direction) int {
	if d == ToAudio {
		return s.ToAudioDepth
	}
	return s.ToUIDepth
}

// Stats returns the current queue depths. Safe to call from any goroutine;
// values may be stale by the time they are read.
func (b *Bus) Stats() Stats {
	return Stats{
		Capacity:     b.toAudio.Cap(),
		ToAudioDepth: b.toAudio.Len(),
		ToUIDepth:    b.toUI.Len(),
	}
}
