package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/executor"
	"github.com/relaymesh/conduit/internal/orchestrator"
	"github.com/relaymesh/conduit/internal/session"
)

// turnRequestBody is the POST /turn JSON body (spec §6).
type turnRequestBody struct {
	SessionID   string                 `json:"session_id"`
	ProfileID   string                 `json:"profile_id"`
	Message     string                 `json:"message"`
	Attachments []session.Attachment   `json:"attachments,omitempty"`
}

// sseSink streams executor events to an http.ResponseWriter as they occur,
// one "event: <type>\ndata: <json>\n\n" frame per Event (spec §6: "SSE
// stream of conversation events followed by agent_complete").
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Emit(e executor.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, body)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// sessionEventRecorder is a no-op placeholder EventRecorder: the session's
// event log is the TurnTrace appended after the turn completes (spec §4.9
// step 8), so nothing needs recording mid-stream here. Kept as its own type
// so a durable replay log can be wired in later without touching the
// orchestrator's call site.
type sessionEventRecorder struct{}

func (sessionEventRecorder) Record(executor.Event) {}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var body turnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}
	if body.ProfileID == "" || body.Message == "" {
		writeError(w, apperr.New(apperr.Validation, "profile_id and message are required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "streaming unsupported by this response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	req := orchestrator.TurnRequest{
		OwnerID:     ownerFromContext(r.Context()),
		ProfileID:   body.ProfileID,
		SessionID:   body.SessionID,
		Message:     body.Message,
		Attachments: body.Attachments,
	}

	sink := &sseSink{w: w, flusher: flusher}
	outcome, err := s.Orchestrator.HandleTurn(r.Context(), req, sink, sessionEventRecorder{})
	if err != nil {
		log.Error("turn failed", "owner", req.OwnerID, "profile", req.ProfileID, "err", err)
		// Headers are already sent (200 + event-stream); surface the
		// failure as a terminal SSE event instead of an HTTP error status.
		sink.Emit(executor.Event{Type: executor.EventAgentComplete, Success: false, Error: err.Error()})
		return
	}

	fmt.Fprintf(w, "event: turn_outcome\ndata: %s\n\n", mustMarshal(outcome))
	flusher.Flush()
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
