// Package orchestrator implements C9, the turn orchestrator (spec §4.9):
// it sequences rate/quota checks, profile activation, session mutation,
// context assembly, and conversation execution into the single per-turn
// operation the HTTP surface calls. It generalizes the teacher's
// runPrompt/executeStep sequencing (queue -> step -> usage update -> event,
// internal/app/app.go) from one in-process CLI session to a per-session-
// locked, multi-tenant turn.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/classifier"
	"github.com/relaymesh/conduit/internal/consumption"
	"github.com/relaymesh/conduit/internal/contextwindow"
	"github.com/relaymesh/conduit/internal/domain"
	"github.com/relaymesh/conduit/internal/executor"
	"github.com/relaymesh/conduit/internal/kg"
	"github.com/relaymesh/conduit/internal/message"
	"github.com/relaymesh/conduit/internal/models"
	"github.com/relaymesh/conduit/internal/runtime"
	"github.com/relaymesh/conduit/internal/session"
)

// planHydrationRowSummaryThreshold is the row count above which
// plan_hydration summarizes a previous tool result instead of inlining it
// in full (spec §4.7: "Summarizes lists of >20 rows").
const planHydrationRowSummaryThreshold = 20

// defaultSafetyMargin reserves headroom in the model's context window for
// the response and provider-side overhead the assembler cannot see (spec
// §4.9: "model.max_context - safety_margin").
const defaultSafetyMargin = 2048

// queryPreviewLimit bounds the query text copied into a consumption audit
// record (spec §3 ConsumptionTurn.QueryPreview).
const queryPreviewLimit = 200

// TurnRequest is one inbound user message (spec §6: POST /turn body).
type TurnRequest struct {
	OwnerID     string
	ProfileID   string
	SessionID   string // empty creates a new session
	Message     string
	Attachments []session.Attachment
}

// TurnOutcome is what the HTTP layer needs once HandleTurn returns, after
// the event stream itself has already carried the turn live.
type TurnOutcome struct {
	SessionID         string
	TurnNumber        int
	FinalText         string
	ComponentPayloads []*executor.ComponentPayload
	Success           bool
	Cancelled         bool
}

// ProfileActivator resolves (ownerID, profileID) into the live LLM/MCP
// context a turn runs against. *runtime.Switcher is the production
// implementation; tests substitute a fake to avoid dialing a real provider.
type ProfileActivator interface {
	Activate(ctx context.Context, ownerID, profileID string) (*runtime.ActiveContext, error)
}

// ModelInfoResolver looks up a model's context limit and pricing.
// *providers.Resolver is the production implementation, backed by the
// embedded catwalk registry; tests substitute a fake so a turn's budget
// math doesn't depend on exactly which models that registry happens to
// carry.
type ModelInfoResolver interface {
	ModelInfo(cfg *domain.LLMConfig) (*models.ModelInfo, error)
}

// Orchestrator wires C2/C3/C4/C6/C7/C8 into the single sequenced operation
// spec §4.9 describes.
type Orchestrator struct {
	Sessions    session.Store
	Consumption *consumption.Store
	Switcher    ProfileActivator
	Assembler   *contextwindow.Assembler
	Executor    *executor.Executor
	Resolver    ModelInfoResolver
	KGStore     *kg.SQLStore // nil disables knowledge-graph context and upsert

	// IterationCap/SafetyMargin override the executor's and this
	// package's defaults; zero means "use the default".
	IterationCap int
	SafetyMargin int

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex // spec §5: same session serializes turns
	graphs       map[string]*kg.Graph   // one cached Graph per (owner, profile)
}

// New creates an Orchestrator. kgStore may be nil to run without knowledge
// graph support (profiles with knowledge_config unset never use it anyway).
func New(sessions session.Store, consumptionStore *consumption.Store, switcher ProfileActivator, assembler *contextwindow.Assembler, exec *executor.Executor, resolver ModelInfoResolver, kgStore *kg.SQLStore) *Orchestrator {
	return &Orchestrator{
		Sessions:     sessions,
		Consumption:  consumptionStore,
		Switcher:     switcher,
		Assembler:    assembler,
		Executor:     exec,
		Resolver:     resolver,
		KGStore:      kgStore,
		sessionLocks: make(map[string]*sync.Mutex),
		graphs:       make(map[string]*kg.Graph),
	}
}

func (o *Orchestrator) lockFor(key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.sessionLocks[key]
	if !ok {
		l = &sync.Mutex{}
		o.sessionLocks[key] = l
	}
	return l
}

// graphFor returns the cached Graph for (ownerID, profileID), creating one
// on first use. Returns nil if no KGStore is configured.
func (o *Orchestrator) graphFor(ownerID, profileID string) *kg.Graph {
	if o.KGStore == nil {
		return nil
	}
	key := ownerID + "/" + profileID
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.graphs[key]
	if !ok {
		g = kg.NewGraph(o.KGStore, ownerID, profileID)
		o.graphs[key] = g
	}
	return g
}

// HandleTurn runs the full spec §4.9 sequence for one user message,
// streaming executor events to sink as they occur and to the session's own
// event log via rec. Both sink and rec may be nil.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest, sink executor.EventSink, rec executor.EventRecorder) (*TurnOutcome, error) {
	if req.OwnerID == "" || req.ProfileID == "" || req.Message == "" {
		return nil, apperr.New(apperr.Validation, "owner_id, profile_id, and message are required")
	}

	// 1-3: rate, quota, request accounting.
	if ok, reason, err := o.Consumption.CheckRate(ctx, req.OwnerID); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperr.New(apperr.RateLimited, reason)
	}
	if ok, reason, err := o.Consumption.CheckQuota(ctx, req.OwnerID); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperr.New(apperr.QuotaExceeded, reason)
	}
	if err := o.Consumption.IncrementRequest(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	// 4: activate profile (LLM + MCP + classification).
	active, err := o.Switcher.Activate(ctx, req.OwnerID, req.ProfileID)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Same-session turns serialize (spec §5); cross-session turns never
	// contend on this lock.
	lock := o.lockFor(req.OwnerID + "/" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	// 5: load-or-create session, append the user message, count the
	// session exactly once toward the owner's active-session tally.
	sess, err := o.loadOrCreateSession(ctx, req.OwnerID, sessionID, req.ProfileID)
	if err != nil {
		return nil, err
	}
	isFirstTurn := !sess.Counters.HasRecordedTurn
	if len(req.Attachments) > 0 {
		sess.Attachments = append(sess.Attachments, req.Attachments...)
	}

	userMsg := message.Message{Role: message.RoleUser}
	userMsg.AddPart(message.TextContent{Text: req.Message})
	sess.AddMessage(userMsg)
	sess.CurrentQuery = req.Message

	if err := o.Consumption.IncrementSessionCount(ctx, req.OwnerID, sessionID, isFirstTurn); err != nil {
		return nil, err
	}

	turnNumber := len(sess.WorkflowHistory) + 1

	// 6: assemble context under a budget derived from the profile and model.
	modelInfo, err := o.Resolver.ModelInfo(active.LLMConfig)
	if err != nil {
		return nil, err
	}
	budget := o.budgetFor(active, modelInfo)

	toolDefs, enabledTools, err := o.enabledTools(ctx, active)
	if err != nil {
		return nil, err
	}

	tc := o.buildTurnContext(ctx, req, active, sess, toolDefs, isFirstTurn)
	contributions, err := o.Assembler.Assemble(ctx, budget, active.Profile.Kind, tc)
	if err != nil {
		return nil, err
	}
	systemPrompt := renderSystemPrompt(contributions)

	// 7: run the ReAct loop, streaming to both the caller's sink and the
	// session's own event log.
	turnInput := executor.TurnInput{
		OwnerID:       req.OwnerID,
		SessionID:     sessionID,
		TurnNumber:    turnNumber,
		Provider:      active.LLMConfig.Provider,
		Model:         active.LLMConfig.Model,
		LanguageModel: active.LanguageModel,
		Tools:         executor.NewMCPTools(active.MCPClient, enabledTools),
		SystemPrompt:  systemPrompt,
		UserMessage:   req.Message,
		IterationCap:  o.iterationCap(),
		ModelInfo:     modelInfo,
	}

	result, err := o.Executor.Run(ctx, turnInput, sink, rec)
	if err != nil {
		return nil, err
	}

	// 8: append the assistant message and this turn's execution trace.
	assistantMsg := message.Message{Role: message.RoleAssistant, Model: active.LLMConfig.Model, Provider: active.LLMConfig.Provider}
	assistantMsg.AddPart(message.TextContent{Text: result.FinalText})
	assistantMsg.MarkValid(result.Success)
	sess.AddMessage(assistantMsg)
	sess.AppendTurnTrace(session.TurnTrace{TurnNumber: turnNumber, ExecutionTrace: result.ExecutionTrace, IsValid: result.Success})
	sess.Counters.HasRecordedTurn = true

	// 9: record consumption.
	status := "success"
	if !result.Success {
		status = "failure"
	}
	turnRecord := consumption.TurnRecord{
		SessionID:    sessionID,
		TurnNumber:   turnNumber,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Provider:     active.LLMConfig.Provider,
		Model:        active.LLMConfig.Model,
		Status:       status,
		CostMicroUSD: result.CostMicroUSD,
		QueryPreview: truncate(req.Message, queryPreviewLimit),
		SessionName:  sessionID,
	}
	if err := o.Consumption.RecordTurn(ctx, req.OwnerID, turnRecord); err != nil {
		log.Error("record turn failed", "owner", req.OwnerID, "session", sessionID, "turn", turnNumber, "err", err)
	}

	// 10: persist the session.
	if err := o.Sessions.Save(ctx, req.OwnerID, sess); err != nil {
		return nil, err
	}

	// 11: best-effort KG upsert; never fails the turn.
	if result.Success {
		if err := o.upsertFromTrace(ctx, req.OwnerID, req.ProfileID, active, result.ExecutionTrace); err != nil {
			log.Warn("KG upsert from turn failed", "owner", req.OwnerID, "profile", req.ProfileID, "err", err)
		}
	}

	return &TurnOutcome{
		SessionID:         sessionID,
		TurnNumber:        turnNumber,
		FinalText:         result.FinalText,
		ComponentPayloads: result.ComponentPayloads,
		Success:           result.Success,
		Cancelled:         result.Cancelled,
	}, nil
}

func (o *Orchestrator) loadOrCreateSession(ctx context.Context, ownerID, sessionID, profileID string) (*session.Session, error) {
	sess, err := o.Sessions.Load(ctx, ownerID, sessionID)
	if err == nil {
		return sess, nil
	}
	if apperr.KindOf(err) != apperr.NotFound {
		return nil, err
	}
	return session.New(sessionID, ownerID, profileID), nil
}

func (o *Orchestrator) iterationCap() int {
	if o.IterationCap > 0 {
		return o.IterationCap
	}
	return executor.DefaultIterationCap
}

// budgetFor implements spec §4.9 step 6's formula exactly:
// min(profile.context_budget, model.max_context - safety_margin), treating
// an unset (zero) profile budget as "no explicit cap".
func (o *Orchestrator) budgetFor(active *runtime.ActiveContext, info *models.ModelInfo) int {
	margin := o.SafetyMargin
	if margin <= 0 {
		margin = defaultSafetyMargin
	}
	modelBudget := info.Limit.Context - margin
	if modelBudget < 0 {
		modelBudget = 0
	}
	profileBudget := active.Profile.ContextBudget
	if profileBudget <= 0 || profileBudget > modelBudget {
		return modelBudget
	}
	return profileBudget
}

// enabledTools lists the active MCP server's tools filtered to the
// profile's enabled set, returning both the raw mcp.Tool list (for
// executor binding) and the assembler's per-category, schema-carrying form.
func (o *Orchestrator) enabledTools(ctx context.Context, active *runtime.ActiveContext) ([]contextwindow.ToolDef, []mcp.Tool, error) {
	if active.MCPClient == nil {
		return nil, nil, nil
	}
	tools, err := active.MCPClient.ListTools(ctx)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.UpstreamTransient, "list MCP tools for turn", err)
	}

	categories := toolCategories(active.Classification)

	enabled := make([]mcp.Tool, 0, len(tools))
	defs := make([]contextwindow.ToolDef, 0, len(tools))
	for _, t := range tools {
		if active.Profile.EnabledTools != nil && !active.Profile.EnabledTools[t.Name] {
			continue
		}
		enabled = append(enabled, t)
		category, ok := categories[t.Name]
		if !ok {
			category = "uncategorized"
		}
		defs = append(defs, contextwindow.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Category:    category,
			Args:        toolArgsFromSchema(t.InputSchema),
		})
	}
	return defs, enabled, nil
}

// toolCategories builds a name -> category lookup from C5's cached
// classification (spec §4.5). cl is nil for profiles with no classifier
// run yet, in which case every tool falls back to "uncategorized".
func toolCategories(cl *classifier.Classification) map[string]string {
	if cl == nil {
		return nil
	}
	out := make(map[string]string, len(cl.Tools))
	for _, info := range cl.Tools {
		out[info.Name] = info.Category
	}
	return out
}

// toolArgsFromSchema extracts per-argument name/type/description/required
// tuples from an MCP tool's input schema by round-tripping it through
// JSON — the same conversion internal/executor's toolInfoFromMCP performs,
// since mcp.Tool.InputSchema's concrete shape isn't otherwise worth
// depending on here.
func toolArgsFromSchema(schema any) []contextwindow.ToolArg {
	marshaled, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(marshaled, &schemaMap); err != nil {
		return nil
	}
	props, _ := schemaMap["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	if req, ok := schemaMap["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]contextwindow.ToolArg, 0, len(names))
	for _, name := range names {
		spec, _ := props[name].(map[string]any)
		typ, _ := spec["type"].(string)
		if typ == "" {
			typ = "any"
		}
		desc, _ := spec["description"].(string)
		args = append(args, contextwindow.ToolArg{
			Name:        name,
			Type:        typ,
			Description: desc,
			Required:    required[name],
		})
	}
	return args
}

func (o *Orchestrator) buildTurnContext(ctx context.Context, req TurnRequest, active *runtime.ActiveContext, sess *session.Session, toolDefs []contextwindow.ToolDef, isFirstTurn bool) *contextwindow.TurnContext {
	extra := map[string]any{}
	if toolDefs != nil {
		extra["tool_defs"] = toolDefs
	}
	if summaries := workflowSummaries(sess.WorkflowHistory); len(summaries) > 0 {
		extra["workflow_summaries"] = summaries
	}
	if rendered := o.kgContextFor(ctx, active, req.Message); rendered != "" {
		extra["kg_rendered"] = rendered
	}
	if hasCanvasTool(toolDefs) {
		extra["component_instructions"] = "When a visual artifact (chart, diagram, or runnable code) " +
			"would help answer the question, call the canvas tool or emit a fenced code block; it renders in a side panel."
	}
	if plan := planHydrationFor(sess.WorkflowHistory); plan != "" {
		extra["plan"] = plan
	}
	if docs := documentExtractsFor(sess.Attachments); len(docs) > 0 {
		extra["document_extracts"] = docs
	}

	return &contextwindow.TurnContext{
		OwnerID:     req.OwnerID,
		SessionID:   sess.ID,
		Profile:     active.Profile,
		Query:       req.Message,
		History:     sess.ValidMessages(),
		IsFirstTurn: isFirstTurn,
		Extra:       extra,
	}
}

// documentExtractsFor converts session attachments that already carry
// externally-extracted text into the assembler's DocumentExtract form;
// attachments awaiting extraction (ExtractedText still empty) are skipped.
func documentExtractsFor(attachments []session.Attachment) []contextwindow.DocumentExtract {
	var out []contextwindow.DocumentExtract
	for _, a := range attachments {
		if a.ExtractedText == "" {
			continue
		}
		out = append(out, contextwindow.DocumentExtract{Name: a.Name, Text: a.ExtractedText})
	}
	return out
}

// planHydrationFor extracts the most recent valid turn's successful tool
// results (spec §4.7: "extracts the most recent valid turn's successful
// tool results and injects a summarized snapshot"). Invalid turns are
// skipped entirely rather than merged with the next valid one back in
// time, matching the original handler's single-turn lookback.
func planHydrationFor(history []session.TurnTrace) string {
	for i := len(history) - 1; i >= 0; i-- {
		trace := history[i]
		if !trace.IsValid {
			continue
		}
		var successes []session.ActionOutcome
		for _, outcome := range trace.ExecutionTrace {
			if outcome.Output.Status == "success" {
				successes = append(successes, outcome)
			}
		}
		if len(successes) == 0 {
			return ""
		}
		return formatPlanHydration(successes)
	}
	return ""
}

func formatPlanHydration(outcomes []session.ActionOutcome) string {
	var b strings.Builder
	b.WriteString("--- PREVIOUS TURN RESULTS ---\n")
	b.WriteString("Results below are from the most recent completed turn; avoid repeating an idempotent call already answered here.\n")
	for _, outcome := range outcomes {
		b.WriteString(formatPlanHydrationResult(outcome))
	}
	return b.String()
}

// formatPlanHydrationResult summarizes a list of >20 rows down to a row
// count plus the first 5 (spec §4.7), treating each entry of Results as one
// row since that is the shape C8's runTool already produces them in.
func formatPlanHydrationResult(outcome session.ActionOutcome) string {
	name := outcome.Action.ToolName
	rows := outcome.Output.Results
	if len(rows) > planHydrationRowSummaryThreshold {
		head, _ := json.Marshal(rows[:5])
		return fmt.Sprintf("Previous call to `%s` returned %d rows. First 5 rows: %s\n", name, len(rows), head)
	}
	joined, _ := json.Marshal(rows)
	return fmt.Sprintf("Previous call to `%s` returned: %s\n", name, joined)
}

func hasCanvasTool(defs []contextwindow.ToolDef) bool {
	for _, d := range defs {
		if d.Name == "canvas" {
			return true
		}
	}
	return false
}

func workflowSummaries(history []session.TurnTrace) []string {
	if len(history) == 0 {
		return nil
	}
	out := make([]string, 0, len(history))
	for _, t := range history {
		status := "ok"
		if !t.IsValid {
			status = "invalid"
		}
		out = append(out, fmt.Sprintf("turn %d (%s): %d tool call(s)", t.TurnNumber, status, len(t.ExecutionTrace)))
	}
	return out
}

// renderSystemPrompt concatenates every module's contribution into the
// single text block fed to the executor as its system prompt, in a fixed
// section order so the more load-bearing blocks (instructions, then
// grounding context) come before the more disposable ones.
func renderSystemPrompt(contributions map[string]contextwindow.Contribution) string {
	order := []string{
		"system_prompt",
		"knowledge_context",
		"rag_context",
		"document_context",
		"plan_hydration",
		"tool_definitions",
		"workflow_history",
		"conversation_history",
		"component_instructions",
	}
	var out string
	for _, id := range order {
		c, ok := contributions[id]
		if !ok || c.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += c.Content
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
