// Package executor implements C8, the conversation executor: a ReAct-style
// tool loop (spec §4.8) bound to one profile's language model and MCP
// tools, emitting the structured event stream clients and the session's
// event log both consume. It drives fantasy.LanguageModel/fantasy.AgentTool
// directly — the same Generate/AgentTool shapes the teacher's own MCP
// sampling bridge and tool adapter exercise — in a hand-written loop rather
// than through the teacher's higher-level Agent wrapper, so every step (and
// every event emission point) stays explicit and testable.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/fantasy"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/message"
	"github.com/relaymesh/conduit/internal/models"
	"github.com/relaymesh/conduit/internal/providers"
	"github.com/relaymesh/conduit/internal/session"
)

// DefaultIterationCap bounds the number of LLM_CALL -> TOOL_CALL round
// trips in one turn (spec §4.8: "iteration cap (default 5)").
const DefaultIterationCap = 5

// llmCallTimeout bounds a single LLM invocation (spec §5: "LLM calls use a
// per-call timeout (default 120s)").
const llmCallTimeout = 120 * time.Second

// resultPreviewLimit truncates a tool result before it is embedded in a
// tool_completed event (spec §4.8: "a result preview (<=5000 chars)").
const resultPreviewLimit = 5000

// maxLLMAttempts bounds retries of a retryable LLM failure (spec §5: "max 3
// attempts, base delay 1s").
const maxLLMAttempts = 3

// TurnInput is everything one Run call needs to drive the loop.
type TurnInput struct {
	OwnerID       string
	SessionID     string
	TurnNumber    int
	Provider      string
	Model         string
	LanguageModel fantasy.LanguageModel
	Tools         []Tool
	SystemPrompt  string
	History       []message.Message
	UserMessage   string
	IterationCap  int
	ModelInfo     *models.ModelInfo // for cost calculation; nil skips costing
}

// TurnResult is everything the orchestrator (C9) needs to finalize a turn.
type TurnResult struct {
	FinalText         string
	ExecutionTrace    []session.ActionOutcome
	ComponentPayloads []*ComponentPayload
	InputTokens       int64
	OutputTokens      int64
	CostMicroUSD      int64
	Success           bool
	Cancelled         bool
	Error             string
}

// Executor runs the ReAct loop of spec §4.8.
type Executor struct {
	resolver *providers.Resolver
}

// NewExecutor creates an Executor. resolver prices completed turns; pass
// nil to skip cost calculation entirely (tests, or profiles with unpriced
// models).
func NewExecutor(resolver *providers.Resolver) *Executor {
	return &Executor{resolver: resolver}
}

// Run drives INIT -> LLM_CALL -> {TOOL_CALL* -> LLM_CALL}* -> FINAL -> DONE
// (spec §4.8), emitting events to sink (streamed to the client) and rec
// (persisted to the session's event log) at every transition.
func (e *Executor) Run(ctx context.Context, in TurnInput, sink EventSink, rec EventRecorder) (*TurnResult, error) {
	iterationCap := in.IterationCap
	if iterationCap <= 0 {
		iterationCap = DefaultIterationCap
	}

	result := &TurnResult{}

	emit := func(ev Event) {
		ev.TurnNumber = in.TurnNumber
		ev.Provider = in.Provider
		ev.Model = in.Model
		ev.InputTokens = result.InputTokens
		ev.OutputTokens = result.OutputTokens
		ev.CostMicroUSD = result.CostMicroUSD
		ev.EmittedAt = time.Now()
		if sink != nil {
			sink.Emit(ev)
		}
		if rec != nil {
			rec.Record(ev)
		}
	}

	emit(Event{Type: EventAgentStart})

	// INIT: system + filtered history + current user message.
	messages := buildInitialMessages(in.SystemPrompt, in.History, in.UserMessage)

	toolByName := make(map[string]Tool, len(in.Tools))
	agentTools := make([]fantasy.AgentTool, len(in.Tools))
	for i, t := range in.Tools {
		toolByName[t.Info().Name] = t
		agentTools[i] = t
	}

	var trace []session.ActionOutcome

	for iteration := 1; iteration <= iterationCap; iteration++ {
		if ctx.Err() != nil {
			result.Cancelled = true
			result.ExecutionTrace = trace
			emit(Event{Type: EventAgentComplete, Iteration: iteration, Success: false, Cancelled: true})
			return result, nil
		}

		emit(Event{Type: EventStatusIndicator, Iteration: iteration, Target: IndicatorLLM, State: IndicatorBusy})
		resp, usage, err := e.callLLM(ctx, in.LanguageModel, messages, agentTools)
		emit(Event{Type: EventStatusIndicator, Iteration: iteration, Target: IndicatorLLM, State: IndicatorIdle})

		if err != nil {
			// LLM failures abort the turn with a synthesized apology (spec
			// §4.9 recovery policy), not a raw propagated error.
			result.Success = false
			result.Error = err.Error()
			result.FinalText = synthesizeApology(err)
			result.ExecutionTrace = trace
			emit(Event{Type: EventAgentComplete, Iteration: iteration, Success: false, Error: err.Error()})
			return result, nil
		}

		result.InputTokens += usage.InputTokens
		result.OutputTokens += usage.OutputTokens
		if e.resolver != nil && in.ModelInfo != nil {
			result.CostMicroUSD += e.resolver.CostMicroUSD(in.ModelInfo, usage.InputTokens, usage.OutputTokens)
		}

		emit(Event{Type: EventLLMStep, Iteration: iteration})

		toolCalls := resp.Content.ToolCalls()
		if len(toolCalls) == 0 {
			// FINAL: extract text (Content.Text() already excludes
			// reasoning/thinking parts) and pull out fenced code blocks
			// into Canvas payloads when a canvas tool is bound.
			finalText := resp.Content.Text()
			finalText, payloads := autoCanvas(finalText, toolByName, result.ComponentPayloads)
			result.ComponentPayloads = append(result.ComponentPayloads, payloads...)

			emit(Event{Type: EventLLMComplete, Iteration: iteration, Content: finalText})
			emit(Event{Type: EventAgentComplete, Iteration: iteration, Success: true, Content: finalText})

			result.FinalText = finalText
			result.Success = true
			result.ExecutionTrace = trace
			return result, nil
		}

		messages = append(messages, fantasy.Message{Role: fantasy.MessageRoleAssistant, Content: toolCallParts(toolCalls)})

		var toolResultParts []fantasy.MessagePart
		for _, tc := range toolCalls {
			if ctx.Err() != nil {
				result.Cancelled = true
				result.ExecutionTrace = trace
				emit(Event{Type: EventAgentComplete, Iteration: iteration, Success: false, Cancelled: true})
				return result, nil
			}

			emit(Event{Type: EventToolInvoked, Iteration: iteration, ToolName: tc.ToolName, ToolArgs: tc.Input})
			emit(Event{Type: EventStatusIndicator, Iteration: iteration, Target: IndicatorDB, State: IndicatorBusy})

			start := time.Now()
			outcome, part, payload := runTool(ctx, toolByName, tc)
			duration := time.Since(start)

			emit(Event{Type: EventStatusIndicator, Iteration: iteration, Target: IndicatorDB, State: IndicatorIdle})
			emit(Event{
				Type: EventToolCompleted, Iteration: iteration, ToolName: tc.ToolName,
				ResultPreview: preview(outcome.Output.Results),
				Success:       outcome.Output.Status == "success",
				DurationMS:    duration.Milliseconds(),
				Error:         toolErrorText(outcome),
			})
			if payload != nil {
				result.ComponentPayloads = append(result.ComponentPayloads, payload)
				if payload.RenderTarget == "sub_window" {
					emit(Event{Type: EventComponentRender, Iteration: iteration, Payload: payload})
				}
			}

			trace = append(trace, outcome)
			toolResultParts = append(toolResultParts, part)
		}

		messages = append(messages, fantasy.Message{Role: fantasy.MessageRoleTool, Content: toolResultParts})
	}

	// Iteration cap exhausted without a final answer.
	result.Success = false
	result.FinalText = "I was unable to complete this within the allotted number of steps."
	result.ExecutionTrace = trace
	emit(Event{Type: EventAgentComplete, Iteration: iterationCap, Success: false, Error: "iteration cap exceeded"})
	return result, nil
}

func buildInitialMessages(systemPrompt string, history []message.Message, userMessage string) []fantasy.Message {
	var out []fantasy.Message
	if systemPrompt != "" {
		out = append(out, fantasy.NewSystemMessage(systemPrompt))
	}
	for i := range history {
		out = append(out, history[i].ToFantasyMessages()...)
	}
	if userMessage != "" {
		out = append(out, fantasy.NewUserMessage(userMessage))
	}
	return out
}

func toolCallParts(calls []fantasy.ToolCallPart) []fantasy.MessagePart {
	parts := make([]fantasy.MessagePart, len(calls))
	for i, c := range calls {
		parts[i] = c
	}
	return parts
}

// callLLM invokes the language model under a bounded timeout with bounded
// exponential backoff on retryable errors (spec §5).
func (e *Executor) callLLM(ctx context.Context, model fantasy.LanguageModel, messages []fantasy.Message, tools []fantasy.AgentTool) (*fantasy.Response, fantasy.Usage, error) {
	var lastErr error

	for attempt := 0; attempt < maxLLMAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
		resp, err := model.Generate(callCtx, fantasy.Call{Prompt: fantasy.Prompt(messages), Tools: tools})
		cancel()

		if err == nil {
			return resp, resp.Usage, nil
		}
		lastErr = err
		if !apperr.KindOf(err).Retryable() {
			break
		}
		if attempt < maxLLMAttempts-1 {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return nil, fantasy.Usage{}, ctx.Err()
			}
		}
	}
	return nil, fantasy.Usage{}, apperr.Wrap(apperr.UpstreamTransient, "LLM call failed", lastErr)
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// runTool executes one tool call, translating its outcome into both the
// session's ActionOutcome audit shape and a fantasy.MessagePart to feed
// back into the conversation. Tool failures are surfaced to the LLM for
// recovery rather than aborting the turn (spec §4.9 recovery policy).
func runTool(ctx context.Context, toolByName map[string]Tool, tc fantasy.ToolCallPart) (session.ActionOutcome, fantasy.MessagePart, *ComponentPayload) {
	action := session.Action{ToolName: tc.ToolName, Args: tc.Input}

	tool, ok := toolByName[tc.ToolName]
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", tc.ToolName)
		return session.ActionOutcome{
				Action: action,
				Output: session.OutputSummary{Status: "error", Results: []string{msg}},
			},
			fantasy.ToolResultPart{ToolCallID: tc.ToolCallID, Output: fantasy.ToolResultOutputContentError{Error: fmt.Errorf("%s", msg)}},
			nil
	}

	text, isError, err := tool.Execute(ctx, tc.Input)
	if err != nil {
		return session.ActionOutcome{
				Action: action,
				Output: session.OutputSummary{Status: "error", Results: []string{err.Error()}},
			},
			fantasy.ToolResultPart{ToolCallID: tc.ToolCallID, Output: fantasy.ToolResultOutputContentError{Error: err}},
			nil
	}

	status := "success"
	var out fantasy.ToolResultOutputContent = fantasy.ToolResultOutputContentText{Text: text}
	if isError {
		status = "error"
		out = fantasy.ToolResultOutputContentError{Error: fmt.Errorf("%s", text)}
	}

	payload := extractComponentPayload(tc.ToolName, text)

	return session.ActionOutcome{
			Action: action,
			Output: session.OutputSummary{Status: status, Results: []string{text}},
		},
		fantasy.ToolResultPart{ToolCallID: tc.ToolCallID, Output: out},
		payload
}

func toolErrorText(outcome session.ActionOutcome) string {
	if outcome.Output.Status != "error" {
		return ""
	}
	if len(outcome.Output.Results) > 0 {
		return outcome.Output.Results[0]
	}
	return "tool failed"
}

func preview(results []string) string {
	text := strings.Join(results, "\n")
	if len(text) > resultPreviewLimit {
		return text[:resultPreviewLimit]
	}
	return text
}

func synthesizeApology(err error) string {
	switch apperr.KindOf(err) {
	case apperr.UpstreamTimeout:
		return "I'm sorry, the language model took too long to respond. Please try again."
	case apperr.RateLimited:
		return "I'm sorry, the language model is rate-limited right now. Please try again shortly."
	default:
		return "I'm sorry, something went wrong while generating a response."
	}
}
