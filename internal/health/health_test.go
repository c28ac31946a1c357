package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func pass(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, reason string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(reason) }}
}

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) Report {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return rep
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := New([]Checker{failing("engine", "down")})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rep := decodeReport(t, rec); rep.Status != StatusOK || len(rep.Checks) != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]CheckResult
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
			want:     map[string]CheckResult{},
		},
		{
			name:     "all pass",
			checkers: []Checker{pass("engine"), pass("audio_thread")},
			wantCode: http.StatusOK,
			want: map[string]CheckResult{
				"engine":       {Status: StatusOK},
				"audio_thread": {Status: StatusOK},
			},
		},
		{
			name:     "one fails",
			checkers: []Checker{failing("engine", "not running"), pass("control")},
			wantCode: http.StatusServiceUnavailable,
			want: map[string]CheckResult{
				"engine":  {Status: StatusFail, Error: "not running"},
				"control": {Status: StatusOK},
			},
		},
		{
			name:     "all fail",
			checkers: []Checker{failing("engine", "a"), failing("bus_headroom", "b")},
			wantCode: http.StatusServiceUnavailable,
			want: map[string]CheckResult{
				"engine":       {Status: StatusFail, Error: "a"},
				"bus_headroom": {Status: StatusFail, Error: "b"},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			New(tc.checkers).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			rep := decodeReport(t, rec)
			wantStatus := StatusOK
			if tc.wantCode != http.StatusOK {
				wantStatus = StatusFail
			}
			if rep.Status != wantStatus {
				t.Errorf("report status = %q, want %q", rep.Status, wantStatus)
			}
			if len(rep.Checks) != len(tc.want) {
				t.Fatalf("checks = %+v, want %+v", rep.Checks, tc.want)
			}
			for name, want := range tc.want {
				if got := rep.Checks[name]; got != want {
					t.Errorf("checks[%s] = %+v, want %+v", name, got, want)
				}
			}
		})
	}
}

func TestCheck_RunsCheckersConcurrently(t *testing.T) {
	t.Parallel()

	// Each checker blocks until all of them have started, so a sequential
	// implementation would time out every check.
	const n = 4
	var started atomic.Int32
	all := make(chan struct{})
	checkers := make([]Checker, n)
	for i := range checkers {
		checkers[i] = Checker{
			Name: string(rune('a' + i)),
			Check: func(ctx context.Context) error {
				if started.Add(1) == n {
					close(all)
				}
				select {
				case <-all:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}
	}

	rep := New(checkers, WithTimeout(2*time.Second)).Check(context.Background())
	if !rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Took <= 0 {
		t.Errorf("Took = %s, want > 0", rep.Took)
	}
}

func TestCheck_TimesOutStuckChecker(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := Checker{Name: "stuck", Check: func(context.Context) error {
		<-release // ignores ctx
		return nil
	}}

	rep := New([]Checker{stuck, pass("engine")}, WithTimeout(20*time.Millisecond)).Check(context.Background())
	if rep.OK() {
		t.Fatal("report OK with a stuck checker")
	}
	if got := rep.Checks["stuck"]; got.Status != StatusFail || got.Error != context.DeadlineExceeded.Error() {
		t.Errorf("stuck = %+v", got)
	}
	if got := rep.Checks["engine"]; got.Status != StatusOK {
		t.Errorf("engine = %+v", got)
	}
}

func TestCheck_HonoursCallerContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waits := Checker{Name: "engine", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	rep := New([]Checker{waits}).Check(ctx)
	if got := rep.Checks["engine"]; got.Status != StatusFail || got.Error != context.Canceled.Error() {
		t.Errorf("engine = %+v", got)
	}
}

func TestRegister_MountsProbes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New([]Checker{failing("engine", "down")}).Register(mux)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}
