package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/mixmind/internal/engine"
	"github.com/MrWong99/mixmind/pkg/msg"
	"github.com/MrWong99/mixmind/pkg/rt/blockpool"
	"github.com/MrWong99/mixmind/pkg/rt/bus"
)

func newEngine(t *testing.T, capacity int, opts ...engine.Option) (*engine.Engine, *bus.Bus) {
	t.Helper()
	b, err := bus.New(capacity)
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	e, err := engine.New(b, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, b
}

func send(t *testing.T, b *bus.Bus, cmds ...msg.Command) {
	t.Helper()
	for _, c := range cmds {
		if !b.SendToAudio(c) {
			t.Fatalf("SendToAudio(%v): bus full", c)
		}
	}
}

func drainUI(b *bus.Bus) []msg.Command {
	var got []msg.Command
	for {
		c, ok := b.PollUI()
		if !ok {
			return got
		}
		got = append(got, c)
	}
}

func TestNew_NilBus(t *testing.T) {
	t.Parallel()
	if _, err := engine.New(nil); !errors.Is(err, engine.ErrNilBus) {
		t.Fatalf("err = %v, want ErrNilBus", err)
	}
}

func TestNew_BadScratch(t *testing.T) {
	t.Parallel()
	b, _ := bus.New(4)
	_, err := engine.New(b, engine.WithScratch(0, 4, blockpool.StrategyScan))
	if !errors.Is(err, blockpool.ErrSize) {
		t.Fatalf("err = %v, want ErrSize", err)
	}
}

func TestProcess_AppliesInOrderAndEchoes(t *testing.T) {
	t.Parallel()
	e, b := newEngine(t, 16)
	e.Attach()
	defer e.Detach()

	cmds := []msg.Command{
		msg.SetTempo{BPM: 140}.Command(),
		msg.AddTrack{Name: "Drums"}.Command(),
		msg.InsertPlugin{TrackIndex: 0, PluginID: "reverb"}.Command(),
	}
	send(t, b, cmds...)

	if n := e.Process(); n != len(cmds) {
		t.Fatalf("Process = %d, want %d", n, len(cmds))
	}
	got := drainUI(b)
	if len(got) != len(cmds) {
		t.Fatalf("feedback = %v, want %v", got, cmds)
	}
	for i := range cmds {
		if got[i] != cmds[i] {
			t.Errorf("feedback[%d] = %v, want %v", i, got[i], cmds[i])
		}
	}

	s := e.Stats()
	if s.Tempo != 140 || s.Tracks != 1 || s.Plugins != 1 {
		t.Errorf("state = tempo %v tracks %d plugins %d, want 140/1/1", s.Tempo, s.Tracks, s.Plugins)
	}
	if s.TotalApplied() != 3 || s.TotalRejected() != 0 {
		t.Errorf("applied=%d rejected=%d, want 3/0", s.TotalApplied(), s.TotalRejected())
	}
	if s.Callbacks != 1 {
		t.Errorf("callbacks = %d, want 1", s.Callbacks)
	}
}

func TestProcess_RejectsInvalidCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup []msg.Command
		cmd   msg.Command
	}{
		{"tempo too slow", nil, msg.SetTempo{BPM: 5}.Command()},
		{"tempo too fast", nil, msg.SetTempo{BPM: 1000}.Command()},
		{"tempo NaN", nil, msg.SetTempo{BPM: math.NaN()}.Command()},
		{"plugin on missing track", nil, msg.InsertPlugin{TrackIndex: 0, PluginID: "eq"}.Command()},
		{"negative track index", []msg.Command{msg.AddTrack{Name: "a"}.Command()}, msg.InsertPlugin{TrackIndex: -1, PluginID: "eq"}.Command()},
		{"track table full", []msg.Command{
			msg.AddTrack{Name: "a"}.Command(),
			msg.AddTrack{Name: "b"}.Command(),
		}, msg.AddTrack{Name: "c"}.Command()},
		{"plugin slots full", []msg.Command{
			msg.AddTrack{Name: "a"}.Command(),
			msg.InsertPlugin{TrackIndex: 0, PluginID: "eq"}.Command(),
		}, msg.InsertPlugin{TrackIndex: 0, PluginID: "comp"}.Command()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e, b := newEngine(t, 16, engine.WithLimits(2, 1))
			e.Attach()
			defer e.Detach()

			send(t, b, tc.setup...)
			e.Process()
			if got := drainUI(b); len(got) != len(tc.setup) {
				t.Fatalf("setup feedback = %v", got)
			}

			send(t, b, tc.cmd)
			e.Process()
			if got := drainUI(b); len(got) != 0 {
				t.Fatalf("rejected command echoed: %v", got)
			}
			s := e.Stats()
			if s.Rejected[tc.cmd.Kind()] != 1 {
				t.Errorf("rejected[%v] = %d, want 1", tc.cmd.Kind(), s.Rejected[tc.cmd.Kind()])
			}
			if s.Tempo != engine.DefaultTempo {
				t.Errorf("tempo = %v after rejection, want %v", s.Tempo, engine.DefaultTempo)
			}
		})
	}
}

func TestProcess_TempoBoundsInclusive(t *testing.T) {
	t.Parallel()
	e, b := newEngine(t, 8)
	e.Attach()
	defer e.Detach()

	send(t, b, msg.SetTempo{BPM: engine.MinTempo}.Command(), msg.SetTempo{BPM: engine.MaxTempo}.Command())
	e.Process()
	if s := e.Stats(); s.Applied[msg.KindSetTempo] != 2 || s.Tempo != engine.MaxTempo {
		t.Errorf("applied=%d tempo=%v, want 2 and %v", s.Applied[msg.KindSetTempo], s.Tempo, engine.MaxTempo)
	}
}

func TestProcess_RespectsDrainBudget(t *testing.T) {
	t.Parallel()
	e, b := newEngine(t, 16, engine.WithDrainBudget(2))
	e.Attach()
	defer e.Detach()

	for i := range 5 {
		send(t, b, msg.SetTempo{BPM: float64(100 + i)}.Command())
	}
	for i, want := range []int{2, 2, 1, 0} {
		if n := e.Process(); n != want {
			t.Fatalf("Process #%d = %d, want %d", i, n, want)
		}
	}
	if s := e.Stats(); s.Tempo != 104 {
		t.Errorf("tempo = %v, want 104 (last command wins)", s.Tempo)
	}

	e.SetDrainBudget(0)
	if got := e.DrainBudget(); got != 1 {
		t.Errorf("DrainBudget after SetDrainBudget(0) = %d, want 1", got)
	}
}

func TestProcess_CountsDroppedFeedback(t *testing.T) {
	t.Parallel()
	e, b := newEngine(t, 4) // 3 usable slots per direction
	e.Attach()
	defer e.Detach()

	for range 3 {
		send(t, b, msg.AddTrack{Name: "t"}.Command())
	}
	e.Process()
	send(t, b, msg.SetTempo{BPM: 90}.Command())
	e.Process()

	s := e.Stats()
	if s.FeedbackDropped != 1 {
		t.Errorf("FeedbackDropped = %d, want 1", s.FeedbackDropped)
	}
	if s.Tempo != 90 {
		t.Errorf("tempo = %v, want 90 (applied even though the echo was dropped)", s.Tempo)
	}
	if got := len(drainUI(b)); got != 3 {
		t.Errorf("feedback queued = %d, want 3", got)
	}
}

func TestProcess_ScratchExhausted(t *testing.T) {
	t.Parallel()
	pool, err := blockpool.New(64, 1)
	if err != nil {
		t.Fatalf("blockpool.New: %v", err)
	}
	e, _ := newEngine(t, 4, engine.WithScratchPool(pool))
	e.Attach()
	defer e.Detach()

	blk := pool.TryAlloc()
	e.Process()
	if got := e.Stats().ScratchExhausted; got != 1 {
		t.Fatalf("ScratchExhausted = %d, want 1", got)
	}
	pool.Free(blk)
	e.Process()
	s := e.Stats()
	if s.ScratchExhausted != 1 {
		t.Errorf("ScratchExhausted = %d after free, want 1", s.ScratchExhausted)
	}
	if s.ScratchInUse != 0 {
		t.Errorf("ScratchInUse = %d, want 0 (callback returns its block)", s.ScratchInUse)
	}
}

func TestProcess_CountsBeats(t *testing.T) {
	t.Parallel()
	// 5ms periods at 120 BPM: one beat every 100 callbacks.
	e, _ := newEngine(t, 4, engine.WithCallbackPeriod(5*time.Millisecond))
	e.Attach()
	defer e.Detach()

	for range 250 {
		e.Process()
	}
	if got := e.Stats().Beats; got != 2 {
		t.Errorf("Beats = %d, want 2", got)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	e, b := newEngine(t, 16, engine.WithCallbackPeriod(time.Millisecond))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.Running() || !e.Marker().Marked() {
		t.Fatal("engine not running and marked after Start")
	}
	if e.Marker().OnAudioThread() {
		t.Fatal("test goroutine reported as audio thread")
	}
	if err := e.Start(context.Background()); !errors.Is(err, engine.ErrRunning) {
		t.Fatalf("second Start err = %v, want ErrRunning", err)
	}

	want := msg.AddTrack{Name: "Vox"}.Command()
	send(t, b, want)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := b.PollUI(); ok {
			if got != want {
				t.Fatalf("feedback = %v, want %v", got, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no feedback within 2s")
		}
		time.Sleep(time.Millisecond)
	}

	e.Stop()
	if e.Running() || e.Marker().Marked() {
		t.Fatal("engine still running or marked after Stop")
	}
	e.Stop()

	// Restart after Stop.
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	e.Stop()
}

func TestStart_ContextCancelStops(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, 4, engine.WithCallbackPeriod(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on context cancel")
	}
	if e.Running() || e.Marker().Marked() {
		t.Fatal("engine still running or marked after cancel")
	}
}

func TestStop_NeverStarted(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, 4)
	e.Stop()
	if e.Done() != nil {
		t.Error("Done() non-nil before Start")
	}
}
