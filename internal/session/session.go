// Package session implements the per-user persistent multi-turn
// conversation state (spec §4.2): one JSON document per (owner, session),
// written atomically and serialized by a per-session lock. The shape
// follows the teacher's session.Session (version, timestamps, ordered
// messages) but the on-disk unit is keyed by owner rather than a single
// local user, and workflow history and purge semantics are new.
package session

import (
	"time"

	"charm.land/fantasy"

	"github.com/relaymesh/conduit/internal/message"
)

// CurrentVersion is the session document format version.
const CurrentVersion = "1.0"

// Action identifies a single tool invocation within a turn's execution trace.
type Action struct {
	ToolName string `json:"tool_name"`
	Args     string `json:"args"` // JSON string of arguments
}

// OutputSummary captures the result of one Action.
type OutputSummary struct {
	Status   string         `json:"status"` // "success", "error"
	Results  []string       `json:"results,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActionOutcome pairs an Action with its OutputSummary, one entry per tool
// call made during a turn.
type ActionOutcome struct {
	Action Action        `json:"action"`
	Output OutputSummary `json:"output"`
}

// TurnTrace records the full tool-call trace of one completed turn (spec §3).
type TurnTrace struct {
	TurnNumber     int             `json:"turn_number"`
	ExecutionTrace []ActionOutcome `json:"execution_trace"`
	IsValid        bool            `json:"is_valid"`
}

// Counters tracks idempotent per-session bookkeeping consumed by C3's
// increment_session_count (spec §4.3): a session counts toward a user's
// active-session tally at most once, on its first recorded turn.
type Counters struct {
	HasRecordedTurn bool `json:"has_recorded_turn"`
}

// Attachment is a reference to an uploaded artifact attached to a session.
// Extraction of its contents from URI is an external collaborator's job
// (spec §1 Out of scope); when that collaborator has already run,
// ExtractedText carries its output through so document_context (spec
// §4.7) can contribute it without this package ever fetching or parsing
// the underlying file itself.
type Attachment struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MIMEType      string    `json:"mime_type"`
	URI           string    `json:"uri"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	AddedAt       time.Time `json:"added_at"`
}

// Session is a complete multi-turn conversation (spec §3). ChatObject is the
// ordered message list sent to the LLM (subject to IsValid filtering);
// WorkflowHistory is the append-only per-turn trace log.
type Session struct {
	Version         string            `json:"version"`
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	ProfileID       string            `json:"profile_id"`
	ChatObject      []message.Message `json:"chat_object"`
	WorkflowHistory []TurnTrace       `json:"workflow_history"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	CurrentQuery    string            `json:"current_query,omitempty"`
	LastTurnData    map[string]any    `json:"last_turn_data,omitempty"`
	IsArchived      bool              `json:"is_archived"`
	Counters        Counters          `json:"counters"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// New creates an empty session for the given owner/profile pair.
func New(id, ownerID, profileID string) *Session {
	now := time.Now()
	return &Session{
		Version:         CurrentVersion,
		ID:              id,
		OwnerID:         ownerID,
		ProfileID:       profileID,
		ChatObject:      []message.Message{},
		WorkflowHistory: []TurnTrace{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AddMessage appends a message to the chat object, assigning an ID and
// timestamps when absent.
func (s *Session) AddMessage(msg message.Message) {
	if msg.ID == "" {
		msg.ID = GenerateMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = time.Now()
	}
	s.ChatObject = append(s.ChatObject, msg)
	s.UpdatedAt = time.Now()
}

// AppendTurnTrace appends a completed turn's trace to the workflow history.
func (s *Session) AppendTurnTrace(trace TurnTrace) {
	s.WorkflowHistory = append(s.WorkflowHistory, trace)
	s.UpdatedAt = time.Now()
}

// ValidMessages returns the chat object filtered to messages not explicitly
// marked invalid (spec §3: "Invalid messages are retained but excluded from
// LLM context").
func (s *Session) ValidMessages() []message.Message {
	out := make([]message.Message, 0, len(s.ChatObject))
	for _, m := range s.ChatObject {
		if m.IsValid != nil && !*m.IsValid {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ToFantasyMessages converts the full valid chat object into fantasy
// messages for the executor's tool loop.
func (s *Session) ToFantasyMessages() []fantasy.Message {
	var out []fantasy.Message
	for i := range s.ChatObject {
		m := &s.ChatObject[i]
		if m.IsValid != nil && !*m.IsValid {
			continue
		}
		out = append(out, m.ToFantasyMessages()...)
	}
	return out
}
