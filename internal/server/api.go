package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/mixmind/internal/control"
	"github.com/MrWong99/mixmind/internal/observe"
	"github.com/MrWong99/mixmind/internal/resilience"
	"github.com/MrWong99/mixmind/pkg/msg"
)

// errorBody is the JSON body of every non-2xx API response.
type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommandBytes)
	var cmd msg.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	receipt, err := s.submit(r.Context(), cmd)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		observe.Logger(r.Context()).Info("command not accepted",
			"command", cmd,
			"status", status,
			"err", err,
		)
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleProject(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Project())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "stats not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

// statusFor maps a submission error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrBackpressure),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, control.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the status.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)+1))
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
