package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/auth"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/orchestrator"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/stream"
)

type chatRequest struct {
	Message       string `json:"message"`
	SessionID     string `json:"session_id,omitempty"`
	UserHint      string `json:"user_hint,omitempty"`
	Stream        *bool  `json:"stream,omitempty"`
	ExpensiveMode bool   `json:"expensive_mode,omitempty"`
}

type chatResponse struct {
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	Citations []stream.Citation `json:"citations,omitempty"`
}

// handleChat runs one turn. The default response is an SSE stream of
// envelopes; stream=false collects the stream and answers with one JSON
// body instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, fault.New(fault.Malformed, "server.Chat", "message is required"))
		return
	}

	// Anonymous callers have no stored profile; the hint names them for
	// the duration of this connection.
	if req.UserHint != "" && caller.Anonymous && caller.DisplayName == "" {
		caller.DisplayName = req.UserHint
	}

	start := time.Now()
	envelopes, err := s.turns.HandleTurn(r.Context(), &orchestrator.Request{
		Caller:        caller,
		SessionID:     req.SessionID,
		Message:       req.Message,
		ExpensiveMode: req.ExpensiveMode,
	})
	if err != nil {
		s.recordTurn(r.Context(), start, err)
		writeError(w, err)
		return
	}

	var turnErr error
	if req.Stream == nil || *req.Stream {
		turnErr = s.streamChat(w, r, envelopes)
	} else {
		turnErr = s.collectChat(w, envelopes)
	}
	s.recordTurn(r.Context(), start, turnErr)
}

func (s *Server) recordTurn(ctx context.Context, start time.Time, err error) {
	if s.telemetry == nil {
		return
	}
	s.telemetry.Metrics().RecordTurn(ctx, time.Since(start), err)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, envelopes <-chan stream.Envelope) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := fault.New(fault.Internal, "server.Chat", "response writer does not support streaming")
		writeError(w, err)
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var failed error
	for env := range envelopes {
		if env.Type == stream.EnvelopeError {
			failed = fault.New(fault.Internal, "server.Chat", env.Content)
		}
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	return failed
}

// collectChat drains the stream and answers with the terminal content.
// An error envelope turns into the matching HTTP status.
func (s *Server) collectChat(w http.ResponseWriter, envelopes <-chan stream.Envelope) error {
	var resp chatResponse
	var failed string

	for env := range envelopes {
		switch env.Type {
		case stream.EnvelopeMeta:
			if env.SessionID != "" {
				resp.SessionID = env.SessionID
			}
		case stream.EnvelopeTerminal:
			resp.Content = env.Content
			resp.Citations = env.Citations
		case stream.EnvelopeError:
			failed = env.Content
		}
	}

	if failed != "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": failed})
		return fault.New(fault.Internal, "server.Chat", failed)
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}
