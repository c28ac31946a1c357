package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/mixmind/internal/control"
	"github.com/MrWong99/mixmind/pkg/msg"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Websocket frame types sent to clients.
const (
	FrameFeedback = "feedback"
	FrameAck      = "ack"
	FrameError    = "error"
)

// Frame is one server-to-client websocket message. Clients send bare
// commands in the same JSON form POST /v1/commands accepts.
type Frame struct {
	Type string `json:"type"`

	// Feedback frames.
	Seq     uint64       `json:"seq,omitempty"`
	Command *msg.Command `json:"command,omitempty"`

	// Ack frames.
	Receipt *control.Receipt `json:"receipt,omitempty"`

	// Error frames.
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxCommandBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.metrics.WebSocketClients.Add(ctx, 1)
	defer s.metrics.WebSocketClients.Add(context.Background(), -1)

	sub := s.ctl.Subscribe()
	defer sub.Close()

	log := slog.With("remote", r.RemoteAddr)
	log.Info("websocket client connected")

	// Feedback pump. Writes from this goroutine and the read loop below may
	// interleave; websocket.Conn allows concurrent writers.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "control loop stopped")
					return
				}
				if err := write(ctx, conn, Frame{Type: FrameFeedback, Seq: ev.Seq, Command: &ev.Command}); err != nil {
					return
				}
			}
		}
	}()

	err = s.readCommands(ctx, conn)
	cancel()
	<-pumpDone

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("websocket client disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		log.Warn("websocket client dropped", "err", err)
	}
}

// readCommands submits every command the client sends and acknowledges it,
// until the connection or ctx ends.
func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		// A frame that is not a command is the client's problem, not the
		// connection's, so it gets an error frame instead of a close.
		var cmd msg.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			if werr := write(ctx, conn, Frame{Type: FrameError, Error: err.Error()}); werr != nil {
				return werr
			}
			continue
		}

		receipt, err := s.submit(ctx, cmd)
		frame := Frame{Type: FrameAck, Receipt: &receipt}
		if err != nil {
			frame = Frame{Type: FrameError, Error: err.Error()}
		}
		if err := write(ctx, conn, frame); err != nil {
			return err
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
