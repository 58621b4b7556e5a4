package executor

import "time"

// EventType names the structured events emitted during a turn (spec §4.8).
type EventType string

const (
	EventAgentStart     EventType = "conversation_agent_start"
	EventLLMStep        EventType = "conversation_llm_step"
	EventLLMComplete    EventType = "conversation_llm_complete"
	EventToolInvoked    EventType = "conversation_tool_invoked"
	EventToolCompleted  EventType = "conversation_tool_completed"
	EventAgentComplete  EventType = "conversation_agent_complete"
	EventStatusIndicator EventType = "status_indicator_update"
	EventComponentRender EventType = "component_render"
)

// IndicatorTarget names which subsystem a status_indicator_update bracket
// refers to.
type IndicatorTarget string

const (
	IndicatorLLM IndicatorTarget = "llm"
	IndicatorDB  IndicatorTarget = "db"
)

// IndicatorState is the busy/idle value of a status_indicator_update event.
type IndicatorState string

const (
	IndicatorBusy IndicatorState = "busy"
	IndicatorIdle IndicatorState = "idle"
)

// Event is one emitted item in the turn's structured event stream. Every
// event carries the turn-local counters, provider/model, running token and
// cost totals spec §4.8 requires "at minimum".
type Event struct {
	Type         EventType       `json:"type"`
	TurnNumber   int             `json:"turn_number"`
	Iteration    int             `json:"iteration"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostMicroUSD int64           `json:"cost_micro_usd"`
	Target       IndicatorTarget `json:"target,omitempty"`
	State        IndicatorState  `json:"state,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolArgs     string          `json:"tool_args,omitempty"`
	ResultPreview string         `json:"result_preview,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Cancelled    bool            `json:"cancelled,omitempty"`
	Content      string          `json:"content,omitempty"`
	Payload      *ComponentPayload `json:"payload,omitempty"`
	EmittedAt    time.Time       `json:"emitted_at"`
}

// EventSink receives events for real-time streaming to a connected client
// (spec §5: "events emitted by a single turn reach the client in emission
// order"). Implementations must not block the executor indefinitely; any
// backpressure policy belongs to the sink, not here. The HTTP SSE sink
// writes and flushes every event as it arrives and drops none.
type EventSink interface {
	Emit(e Event)
}

// EventRecorder persists the event stream alongside the session for
// replay/audit, independent of the live EventSink.
type EventRecorder interface {
	Record(e Event)
}

// ComponentPayload is a structured render payload surfaced by a tool result
// or auto-canvas extraction (spec §4.8: "chart spec, code block, canvas,
// etc.").
type ComponentPayload struct {
	Kind         string `json:"kind"` // "canvas", "chart", etc.
	Title        string `json:"title,omitempty"`
	Language     string `json:"language,omitempty"`
	Content      string `json:"content"`
	LineCount    int    `json:"line_count,omitempty"`
	RenderTarget string `json:"render_target,omitempty"` // "sub_window" triggers component_render
	PreviewOK    bool   `json:"preview_ok,omitempty"`
}
