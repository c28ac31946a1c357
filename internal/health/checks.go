package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/mixmind/pkg/rt/bus"
	"github.com/MrWong99/mixmind/pkg/rt/rtthread"
)

// Runner is anything that can report whether its goroutine is running.
type Runner interface {
	Running() bool
}

// Running returns a [Checker] that fails while r is not running.
func Running(name string, r Runner) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !r.Running() {
				return errors.New("not running")
			}
			return nil
		},
	}
}

// AudioThread returns a [Checker] that fails until an audio thread has been
// marked on m, i.e. until the engine has run its first callback.
func AudioThread(m *rtthread.Marker) Checker {
	return Checker{
		Name: "audio_thread",
		Check: func(context.Context) error {
			if !m.Marked() {
				return errors.New("no audio thread marked")
			}
			return nil
		},
	}
}

// Alive returns a [Checker] that fails once done is closed.
func Alive(name string, done <-chan struct{}) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			select {
			case <-done:
				return errors.New("stopped")
			default:
				return nil
			}
		},
	}
}

// BusHeadroom returns a [Checker] that fails while the to-audio direction of
// b is at least maxFill full (0 < maxFill <= 1). A bus that stays that full
// means the engine is not keeping up and submissions will hit backpressure.
func BusHeadroom(b *bus.Bus, maxFill float64) Checker {
	return Checker{
		Name: "bus_headroom",
		Check: func(context.Context) error {
			s := b.Stats()
			usable := s.Capacity - 1
			if usable <= 0 {
				return nil
			}
			fill := float64(s.ToAudioDepth) / float64(usable)
			if fill >= maxFill {
				return fmt.Errorf("to-audio direction %d/%d full", s.ToAudioDepth, usable)
			}
			return nil
		},
	}
}
