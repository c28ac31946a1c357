// Package msg defines the closed set of control messages exchanged between the
// control side and the real-time audio side of the engine.
//
// A [Command] is a flat tagged union: a [Kind] plus the fields of every
// variant, held by value. Copying one never allocates, which lets it travel
// through a ring buffer in either direction, including from the audio
// goroutine. Commands are comparable with ==.
//
// Consumers dispatch with [Command.Visit] and a [Handler]. Handler has one
// method per variant, so adding a variant breaks every consumer at compile
// time until it handles the new case.
package msg

import (
	"fmt"
	"strconv"
)

// Kind discriminates the variants of a [Command].
type Kind uint8

const (
	// KindNone marks the zero Command, which carries no variant.
	KindNone Kind = iota
	KindSetTempo
	KindAddTrack
	KindInsertPlugin
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSetTempo:
		return "set_tempo"
	case KindAddTrack:
		return "add_track"
	case KindInsertPlugin:
		return "insert_plugin"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// MarshalText encodes k by its wire name, so Kind-keyed maps serialise
// readably.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Kinds lists every valid variant kind in declaration order.
var Kinds = []Kind{KindSetTempo, KindAddTrack, KindInsertPlugin}

// SetTempo changes the project tempo.
type SetTempo struct {
	BPM float64
}

// AddTrack appends a track with the given display name.
type AddTrack struct {
	Name string
}

// InsertPlugin inserts a plugin into the next free slot of a track's chain.
type InsertPlugin struct {
	TrackIndex int
	PluginID   string
}

// Command wraps exactly one variant. Build one with a variant's Command method,
// e.g. SetTempo{BPM: 120}.Command().
type Command struct {
	kind   Kind
	tempo  SetTempo
	track  AddTrack
	plugin InsertPlugin
}

// Command wraps v in a [Command].
func (v SetTempo) Command() Command { return Command{kind: KindSetTempo, tempo: v} }

// Command wraps v in a [Command].
func (v AddTrack) Command() Command { return Command{kind: KindAddTrack, track: v} }

// Command wraps v in a [Command].
func (v InsertPlugin) Command() Command { return Command{kind: KindInsertPlugin, plugin: v} }

// Kind returns the variant held by c.
func (c Command) Kind() Kind { return c.kind }

// IsZero reports whether c holds no variant.
func (c Command) IsZero() bool { return c.kind == KindNone }

// SetTempo returns the SetTempo variant and true if c holds one.
func (c Command) SetTempo() (SetTempo, bool) { return c.tempo, c.kind == KindSetTempo }

// AddTrack returns the AddTrack variant and true if c holds one.
func (c Command) AddTrack() (AddTrack, bool) { return c.track, c.kind == KindAddTrack }

// InsertPlugin returns the InsertPlugin variant and true if c holds one.
func (c Command) InsertPlugin() (InsertPlugin, bool) { return c.plugin, c.kind == KindInsertPlugin }

// Handler consumes commands. Implementations must handle every variant.
type Handler interface {
	SetTempo(SetTempo)
	AddTrack(AddTrack)
	InsertPlugin(InsertPlugin)
}

// Visit calls the Handler method matching c's variant. It returns false,
// calling nothing, for the zero Command.
func (c Command) Visit(h Handler) bool {
	switch c.kind {
	case KindSetTempo:
		h.SetTempo(c.tempo)
	case KindAddTrack:
		h.AddTrack(c.track)
	case KindInsertPlugin:
		h.InsertPlugin(c.plugin)
	default:
		return false
	}
	return true
}

// String formats c for logs. It allocates; don't call it on the audio goroutine.
func (c Command) String() string {
	switch c.kind {
	case KindSetTempo:
		return fmt.Sprintf("SetTempo{BPM:%g}", c.tempo.BPM)
	case KindAddTrack:
		return fmt.Sprintf("AddTrack{Name:%q}", c.track.Name)
	case KindInsertPlugin:
		return fmt.Sprintf("InsertPlugin{TrackIndex:%d PluginID:%q}", c.plugin.TrackIndex, c.plugin.PluginID)
	default:
		return "Command{}"
	}
}
