package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	errFull   = errors.New("bus full")
	errIgnore = errors.New("bad request")
)

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "test"})
	if b.maxFailures != 8 {
		t.Errorf("maxFailures = %d, want 8", b.maxFailures)
	}
	if b.resetTimeout != time.Second {
		t.Errorf("resetTimeout = %v, want 1s", b.resetTimeout)
	}
	if b.halfOpenMax != 2 {
		t.Errorf("halfOpenMax = %d, want 2", b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	for range 3 {
		_ = b.Execute(func() error { return errFull })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
	if b.Rejected() != 1 {
		t.Errorf("Rejected = %d, want 1", b.Rejected())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 3})

	_ = b.Execute(func() error { return errFull })
	_ = b.Execute(func() error { return errFull })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errFull })
	_ = b.Execute(func() error { return errFull })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success resets the count)", b.State())
	}
}

func TestBreaker_TripsFiltersErrors(t *testing.T) {
	b := New(Config{
		Name:        "test",
		MaxFailures: 2,
		Trips:       func(err error) bool { return errors.Is(err, errFull) },
	})

	for range 5 {
		if err := b.Execute(func() error { return errIgnore }); !errors.Is(err, errIgnore) {
			t.Fatalf("err = %v, want the fn error passed through", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, ignored errors must not open the breaker", b.State())
	}

	_ = b.Execute(func() error { return errFull })
	_ = b.Execute(func() error { return errIgnore }) // does not reset either
	_ = b.Execute(func() error { return errFull })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 2, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})

	_ = b.Execute(func() error { return errFull })
	_ = b.Execute(func() error { return errFull })
	time.Sleep(15 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}
	for i := range 2 {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 2, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 3})

	_ = b.Execute(func() error { return errFull })
	_ = b.Execute(func() error { return errFull })
	time.Sleep(15 * time.Millisecond)

	if err := b.Execute(func() error { return errFull }); !errors.Is(err, errFull) {
		t.Fatalf("probe err = %v", err)
	}
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after failing probe", s)
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})
	_ = b.Execute(func() error { return errFull })
	time.Sleep(15 * time.Millisecond)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = b.Execute(func() error { <-release; return nil })
	})
	// Wait until the probe holds the only slot.
	for {
		b.mu.Lock()
		p := b.probes
		b.mu.Unlock()
		if p == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	wg.Wait()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var got []string
	b := New(Config{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
		OnStateChange: func(from, to State) {
			got = append(got, from.String()+">"+to.String())
		},
	})

	_ = b.Execute(func() error { return errFull })
	time.Sleep(15 * time.Millisecond)
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errFull })
	b.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>closed", "closed>open", "open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCall_ReturnsValue(t *testing.T) {
	b := New(Config{Name: "test"})
	v, err := Call(b, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Call = %d, %v", v, err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
