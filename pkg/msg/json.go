package msg

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when decoding a command with an unrecognised
	// "type" field.
	ErrUnknownType = errors.New("msg: unknown command type")

	// ErrMissingField is returned when a required variant field is absent.
	ErrMissingField = errors.New("msg: missing command field")
)

// wireCommand is the JSON shape used by the control surface:
//
//	{"type":"set_tempo","bpm":120}
//	{"type":"add_track","name":"Drums"}
//	{"type":"insert_plugin","track_index":0,"plugin_id":"reverb"}
type wireCommand struct {
	Type       string   `json:"type"`
	BPM        *float64 `json:"bpm,omitempty"`
	Name       *string  `json:"name,omitempty"`
	TrackIndex *int     `json:"track_index,omitempty"`
	PluginID   *string  `json:"plugin_id,omitempty"`
}

// MarshalJSON encodes c in the control-surface wire format. The zero Command
// encodes as {"type":"none"}.
func (c Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{Type: c.kind.String()}
	switch c.kind {
	case KindSetTempo:
		w.BPM = &c.tempo.BPM
	case KindAddTrack:
		w.Name = &c.track.Name
	case KindInsertPlugin:
		w.TrackIndex = &c.plugin.TrackIndex
		w.PluginID = &c.plugin.PluginID
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the control-surface wire format. Every field of the
// selected variant is required.
func (c *Command) UnmarshalJSON(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("msg: decode command: %w", err)
	}
	switch w.Type {
	case KindSetTempo.String():
		if w.BPM == nil {
			return fmt.Errorf("%w: set_tempo.bpm", ErrMissingField)
		}
		*c = SetTempo{BPM: *w.BPM}.Command()
	case KindAddTrack.String():
		if w.Name == nil {
			return fmt.Errorf("%w: add_track.name", ErrMissingField)
		}
		*c = AddTrack{Name: *w.Name}.Command()
	case KindInsertPlugin.String():
		if w.TrackIndex == nil {
			return fmt.Errorf("%w: insert_plugin.track_index", ErrMissingField)
		}
		if w.PluginID == nil {
			return fmt.Errorf("%w: insert_plugin.plugin_id", ErrMissingField)
		}
		*c = InsertPlugin{TrackIndex: *w.TrackIndex, PluginID: *w.PluginID}.Command()
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, w.Type)
	}
	return nil
}
