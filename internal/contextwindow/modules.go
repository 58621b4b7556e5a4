package contextwindow

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaymesh/conduit/internal/domain"
	"github.com/relaymesh/conduit/internal/message"
	"github.com/relaymesh/conduit/internal/tokenest"
)

// baseModule centralizes the weight/applicability bookkeeping shared by
// every concrete module, mirroring how the teacher's builtin tools all
// embed a common option-handling base instead of repeating it per tool.
type baseModule struct {
	id      string
	weight  float64
	applies map[domain.ProfileKind]bool // nil means "applies to everything"
}

func (b baseModule) ID() string { return b.id }
func (b baseModule) Weight() float64 { return b.weight }
func (b baseModule) AppliesTo(kind domain.ProfileKind) bool {
	if b.applies == nil {
		return true
	}
	return b.applies[kind]
}
func (b baseModule) Purge(ctx context.Context, ownerID, sessionID string) error { return nil }

// --- system_prompt: hard-required, never condensed ---

type SystemPromptModule struct {
	baseModule
	Render func(tc *TurnContext) string
}

func NewSystemPromptModule(weight float64, render func(tc *TurnContext) string) *SystemPromptModule {
	return &SystemPromptModule{baseModule: baseModule{id: "system_prompt", weight: weight}, Render: render}
}

func (m *SystemPromptModule) Condensable() bool { return false }
func (m *SystemPromptModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	return content, tokenest.Estimate(content), nil
}
func (m *SystemPromptModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	text := m.Render(tc)
	return Contribution{Content: text, TokensUsed: tokenest.Estimate(text), Condensable: false}, nil
}

// --- tool_definitions: full+schema on the first turn, names-by-category after ---

// ToolArg is one argument of a tool's input schema, extracted from its MCP
// InputSchema (spec §4.7: "argument schemas grouped by category").
type ToolArg struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolDef is a single bindable tool as listed from the profile's active MCP
// server, classified into a capability category by C5 (spec §4.5) and
// carrying its argument schema for the first-turn full form.
type ToolDef struct {
	Name        string
	Description string
	Category    string
	Args        []ToolArg
}

type ToolDefinitionsModule struct {
	baseModule
}

func NewToolDefinitionsModule(weight float64) *ToolDefinitionsModule {
	return &ToolDefinitionsModule{baseModule{
		id: "tool_definitions", weight: weight,
		applies: map[domain.ProfileKind]bool{domain.ProfileToolEnabled: true, domain.ProfileGenie: true},
	}}
}

func (m *ToolDefinitionsModule) Condensable() bool { return true }

func toolDefsFromExtra(tc *TurnContext) []ToolDef {
	defs, _ := tc.Extra["tool_defs"].([]ToolDef)
	return defs
}

// groupToolDefsByCategory buckets defs by Category ("uncategorized" when
// unset), preserving the order categories were first seen in defs.
func groupToolDefsByCategory(defs []ToolDef) ([]string, map[string][]ToolDef) {
	order := make([]string, 0, len(defs))
	groups := make(map[string][]ToolDef, len(defs))
	for _, d := range defs {
		cat := d.Category
		if cat == "" {
			cat = "uncategorized"
		}
		if _, ok := groups[cat]; !ok {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], d)
	}
	return order, groups
}

// renderToolDefsFull is the first-turn form: full descriptions and argument
// schemas, grouped by category (spec §4.7).
func renderToolDefsFull(defs []ToolDef) string {
	order, groups := groupToolDefsByCategory(defs)
	var b strings.Builder
	b.WriteString("Available tools:\n\n")
	for _, cat := range order {
		fmt.Fprintf(&b, "**%s**:\n", cat)
		for _, d := range groups[cat] {
			fmt.Fprintf(&b, "- `%s` (tool): %s\n", d.Name, d.Description)
			for _, a := range d.Args {
				req := "optional"
				if a.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "  - `%s` (%s, %s): %s\n", a.Name, a.Type, req, a.Description)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// renderToolDefsCondensed is the subsequent-turn form: names only, grouped
// by category (spec §4.7: "≈60-70% smaller").
func renderToolDefsCondensed(defs []ToolDef) string {
	order, groups := groupToolDefsByCategory(defs)
	var b strings.Builder
	b.WriteString("Available tools (condensed):\n\n")
	for _, cat := range order {
		names := make([]string, len(groups[cat]))
		for i, d := range groups[cat] {
			names[i] = "`" + d.Name + "`"
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", cat, strings.Join(names, ", "))
	}
	return b.String()
}

func (m *ToolDefinitionsModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	defs := toolDefsFromExtra(tc)
	if len(defs) == 0 {
		return Contribution{Condensable: false}, nil
	}

	full := tc.IsFirstTurn
	text := renderToolDefsCondensed(defs)
	if full {
		text = renderToolDefsFull(defs)
	}

	// Char-budget fallback (spec §4.7 step 3's per-module allocation): a
	// full form that overruns its allocation falls back to condensed before
	// the assembler's own condense pass ever runs; a condensed form that
	// still overruns is hard-truncated.
	if charBudget := tokenest.CharsFor(budget); charBudget > 0 && len(text) > charBudget {
		if full {
			text = renderToolDefsCondensed(defs)
		}
		if len(text) > charBudget {
			text = text[:charBudget] + "\n... (truncated)"
		}
	}

	return Contribution{Content: text, TokensUsed: tokenest.Estimate(text), Condensable: true}, nil
}

func (m *ToolDefinitionsModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	defs := toolDefsFromExtra(tc)
	text := renderToolDefsCondensed(defs)
	return text, tokenest.Estimate(text), nil
}

// --- conversation_history: sliding window, condenses by trimming older turns ---

type ConversationHistoryModule struct {
	baseModule
}

func NewConversationHistoryModule(weight float64) *ConversationHistoryModule {
	return &ConversationHistoryModule{baseModule{id: "conversation_history", weight: weight}}
}

func (m *ConversationHistoryModule) Condensable() bool { return true }

func (m *ConversationHistoryModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	text := renderHistory(tc.History)
	return Contribution{Content: text, TokensUsed: tokenest.EstimateMessages(tc.History), Condensable: true}, nil
}

// Condense drops the oldest messages first (a sliding window, the same
// shape as the teacher's compaction.FindCutPoint) until the rendered
// history fits targetTokens, always retaining at least the last message.
func (m *ConversationHistoryModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	msgs := tc.History
	for len(msgs) > 1 {
		tokens := tokenest.EstimateMessages(msgs)
		if tokens <= targetTokens {
			break
		}
		msgs = msgs[1:]
	}
	return renderHistory(msgs), tokenest.EstimateMessages(msgs), nil
}

func renderHistory(msgs []message.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content())
	}
	return b.String()
}

// --- workflow_history: per-turn tool trace summary ---

type WorkflowHistoryModule struct {
	baseModule
}

func NewWorkflowHistoryModule(weight float64) *WorkflowHistoryModule {
	return &WorkflowHistoryModule{baseModule{
		id: "workflow_history", weight: weight,
		applies: map[domain.ProfileKind]bool{domain.ProfileToolEnabled: true, domain.ProfileGenie: true},
	}}
}

func (m *WorkflowHistoryModule) Condensable() bool { return true }

func (m *WorkflowHistoryModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	summaries, _ := tc.Extra["workflow_summaries"].([]string)
	text := strings.Join(summaries, "\n")
	return Contribution{Content: text, TokensUsed: tokenest.Estimate(text), Condensable: true}, nil
}

func (m *WorkflowHistoryModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	lines := strings.Split(content, "\n")
	for len(lines) > 0 && tokenest.Estimate(strings.Join(lines, "\n")) > targetTokens {
		lines = lines[1:]
	}
	out := strings.Join(lines, "\n")
	return out, tokenest.Estimate(out), nil
}

// --- plan_hydration: text handed in via Extra["plan"], tool_enabled profiles only ---

type PlanHydrationModule struct {
	baseModule
}

func NewPlanHydrationModule(weight float64) *PlanHydrationModule {
	return &PlanHydrationModule{baseModule{
		id: "plan_hydration", weight: weight,
		applies: map[domain.ProfileKind]bool{domain.ProfileToolEnabled: true},
	}}
}

func (m *PlanHydrationModule) Condensable() bool { return true }

func (m *PlanHydrationModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	plan, _ := tc.Extra["plan"].(string)
	return Contribution{Content: plan, TokensUsed: tokenest.Estimate(plan), Condensable: true}, nil
}

func (m *PlanHydrationModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	return truncateTail(content, targetTokens)
}

// --- document_context: per-file attachment extracts, truncated to budget ---

// defaultMaxLines/defaultMaxBytes mirror the teacher's truncate.go
// constants for keep-the-tail-of-a-large-file output shaping.
const (
	defaultMaxLines = 2000
	defaultMaxBytes = 51200
)

// documentPerFileMaxChars caps a single attachment's extracted text before
// it is joined with the rest (spec §4.7: "per-file (<=50,000 chars
// default)").
const documentPerFileMaxChars = 50_000

const documentBoundaryHeader = "--- UPLOADED DOCUMENTS ---"

// DocumentExtract is one attachment's already-extracted text, carried in
// via TurnContext.Extra["document_extracts"] — extraction of the
// underlying file is an external collaborator's job (spec §1 Out of
// scope); this module only formats and budgets text it is handed.
type DocumentExtract struct {
	Name string
	Text string
}

type DocumentContextModule struct {
	baseModule
}

func NewDocumentContextModule(weight float64) *DocumentContextModule {
	return &DocumentContextModule{baseModule{id: "document_context", weight: weight}}
}

func (m *DocumentContextModule) Condensable() bool { return true }

func (m *DocumentContextModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	docs, _ := tc.Extra["document_extracts"].([]DocumentExtract)
	if len(docs) == 0 {
		return Contribution{Condensable: false}, nil
	}
	text := renderDocumentExtracts(docs)
	return Contribution{Content: text, TokensUsed: tokenest.Estimate(text), Condensable: true}, nil
}

// renderDocumentExtracts joins each attachment's text between boundary
// markers after capping it to documentPerFileMaxChars, so a single huge
// upload can't crowd out every other attachment before the budget pass
// even runs.
func renderDocumentExtracts(docs []DocumentExtract) string {
	var b strings.Builder
	b.WriteString(documentBoundaryHeader + "\n")
	for _, d := range docs {
		text := d.Text
		if len(text) > documentPerFileMaxChars {
			text = text[:documentPerFileMaxChars]
		}
		fmt.Fprintf(&b, "=== DOCUMENT: %s ===\n%s\n=== END DOCUMENT: %s ===\n", d.Name, text, d.Name)
	}
	return b.String()
}

// Condense truncates at the last complete document boundary that fits the
// budget (spec §4.7: "truncates at document boundaries when possible"),
// falling back to a tail truncation of the whole blob when no boundary
// fits at all.
func (m *DocumentContextModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	if tokenest.Estimate(content) <= targetTokens {
		return content, tokenest.Estimate(content), nil
	}
	maxChars := tokenest.CharsFor(targetTokens)
	if maxChars <= 0 {
		return "", 0, nil
	}
	if maxChars < len(content) {
		candidate := content[:maxChars]
		for {
			boundary := strings.LastIndex(candidate, "\n=== END DOCUMENT")
			if boundary <= 0 {
				break
			}
			// Keep the whole closing marker line, up to and including its newline.
			if eol := strings.IndexByte(candidate[boundary+1:], '\n'); eol >= 0 {
				out := candidate[:boundary+1+eol+1] + "... (documents truncated)\n"
				if tokenest.Estimate(out) <= targetTokens {
					return out, tokenest.Estimate(out), nil
				}
			}
			candidate = candidate[:boundary]
		}
	}
	return truncateTail(content, targetTokens)
}

// truncateTail keeps the tail of content within targetTokens, prepending a
// banner noting how much was cut — the same keep-the-end shape as the
// teacher's core.truncateTail for tool output that exceeds its line/byte
// caps, generalized from a line/byte budget to a token budget.
func truncateTail(content string, targetTokens int) (string, int, error) {
	if tokenest.Estimate(content) <= targetTokens {
		return content, tokenest.Estimate(content), nil
	}
	maxChars := tokenest.CharsFor(targetTokens)
	if maxChars <= 0 {
		return "", 0, nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > defaultMaxLines {
		lines = lines[len(lines)-defaultMaxLines:]
	}
	kept := strings.Join(lines, "\n")
	if len(kept) > maxChars {
		kept = kept[len(kept)-maxChars:]
	}
	banner := "... [truncated, showing tail] ...\n"
	out := banner + kept
	return out, tokenest.Estimate(out), nil
}

// --- knowledge_context: rendered KG subgraph text, skeleton per spec §6 ---

const (
	kgContextHeader = "--- KNOWLEDGE GRAPH CONTEXT ---"
	kgContextFooter = "--- END KNOWLEDGE GRAPH CONTEXT ---"
)

type KnowledgeContextModule struct {
	baseModule
}

func NewKnowledgeContextModule(weight float64) *KnowledgeContextModule {
	return &KnowledgeContextModule{baseModule{id: "knowledge_context", weight: weight}}
}

func (m *KnowledgeContextModule) Condensable() bool { return true }

func (m *KnowledgeContextModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	rendered, _ := tc.Extra["kg_rendered"].(string)
	if rendered == "" {
		return Contribution{Condensable: true}, nil
	}
	text := kgContextHeader + "\n" + rendered + "\n" + kgContextFooter
	return Contribution{Content: text, TokensUsed: tokenest.Estimate(text), Condensable: true}, nil
}

func (m *KnowledgeContextModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(content, kgContextHeader+"\n"), "\n"+kgContextFooter)
	lines := strings.Split(body, "\n")
	for len(lines) > 0 {
		candidate := kgContextHeader + "\n" + strings.Join(lines, "\n") + "\n" + kgContextFooter
		if tokenest.Estimate(candidate) <= targetTokens {
			return candidate, tokenest.Estimate(candidate), nil
		}
		lines = lines[:len(lines)-1]
	}
	return "", 0, nil
}

// --- rag_context: retrieved chunks from the profile's collections ---

type RAGContextModule struct {
	baseModule
}

func NewRAGContextModule(weight float64) *RAGContextModule {
	return &RAGContextModule{baseModule{
		id: "rag_context", weight: weight,
		applies: map[domain.ProfileKind]bool{domain.ProfileRAGFocused: true, domain.ProfileGenie: true},
	}}
}

func (m *RAGContextModule) Condensable() bool { return true }

func (m *RAGContextModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	chunks, _ := tc.Extra["rag_chunks"].([]string)
	text := strings.Join(chunks, "\n\n")
	return Contribution{Content: text, TokensUsed: tokenest.Estimate(text), Condensable: true}, nil
}

// Condense falls back to fewer examples under pressure, dropping the
// lowest-ranked (last) retrieved chunk first and keeping relevance order
// among the survivors intact.
func (m *RAGContextModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	chunks := strings.Split(content, "\n\n")
	for len(chunks) > 0 {
		candidate := strings.Join(chunks, "\n\n")
		if tokenest.Estimate(candidate) <= targetTokens {
			return candidate, tokenest.Estimate(candidate), nil
		}
		chunks = chunks[:len(chunks)-1]
	}
	return "", 0, nil
}

// --- component_instructions: UI component payload binding hints ---

type ComponentInstructionsModule struct {
	baseModule
}

func NewComponentInstructionsModule(weight float64) *ComponentInstructionsModule {
	return &ComponentInstructionsModule{baseModule{id: "component_instructions", weight: weight}}
}

func (m *ComponentInstructionsModule) Condensable() bool { return true }

func (m *ComponentInstructionsModule) Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error) {
	text, _ := tc.Extra["component_instructions"].(string)
	return Contribution{Content: text, TokensUsed: tokenest.Estimate(text), Condensable: true}, nil
}

func (m *ComponentInstructionsModule) Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error) {
	return truncateTail(content, targetTokens)
}
