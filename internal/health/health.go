// Package health serves the liveness and readiness probes of the mixmind
// control surface.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs
// every registered [Checker] concurrently and answers 503 if any of them
// fails, so an orchestrator stops routing commands to an engine that is not
// draining its bus.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 2 * time.Second

// Status is the overall or per-check verdict.
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name keys the result in [Report.Checks] (e.g. "engine", "bus_headroom").
	Name string

	// Check must honour ctx cancellation.
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the readiness verdict across all checkers.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
	Took   time.Duration          `json:"took_ns,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == StatusOK }

// Handler evaluates a fixed set of checkers. Safe for concurrent use.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout]. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a Handler over checkers.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Check runs every checker in its own goroutine, each under the handler
// timeout, and collects the results. A checker that overruns its deadline
// without returning is reported as failed.
func (h *Handler) Check(ctx context.Context) Report {
	start := time.Now()
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			res := h.run(ctx, c)
			mu.Lock()
			rep.Checks[c.Name] = res
			if res.Status != StatusOK {
				rep.Status = StatusFail
			}
			mu.Unlock()
		})
	}
	wg.Wait()

	rep.Took = time.Since(start)
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- c.Check(ctx) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Error: err.Error()}
	}
	return CheckResult{Status: StatusOK}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe: 200 with the [Report] when every check
// passes, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(data, '\n'))
}
