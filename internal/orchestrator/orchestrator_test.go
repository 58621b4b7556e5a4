package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"charm.land/fantasy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/classifier"
	"github.com/relaymesh/conduit/internal/consumption"
	"github.com/relaymesh/conduit/internal/contextwindow"
	"github.com/relaymesh/conduit/internal/domain"
	"github.com/relaymesh/conduit/internal/executor"
	"github.com/relaymesh/conduit/internal/kg"
	"github.com/relaymesh/conduit/internal/models"
	"github.com/relaymesh/conduit/internal/runtime"
	"github.com/relaymesh/conduit/internal/session"
)

// stubModel is a scripted fantasy.LanguageModel, mirroring the one
// internal/executor's own tests use, so HandleTurn never dials a real
// provider.
type stubModel struct {
	response *fantasy.Response
	err      error
	calls    int
}

func (s *stubModel) Model() string { return "stub-model" }

func (s *stubModel) Generate(ctx context.Context, call fantasy.Call) (*fantasy.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func textResponse(text string) *fantasy.Response {
	return &fantasy.Response{Content: fantasy.ResponseContent{fantasy.TextContent{Text: text}}}
}

// fakeActivator implements ProfileActivator without ever touching
// internal/runtime or internal/providers, so tests control exactly which
// ActiveContext a turn runs against.
type fakeActivator struct {
	ctx *runtime.ActiveContext
	err error
}

func (f *fakeActivator) Activate(ctx context.Context, ownerID, profileID string) (*runtime.ActiveContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

func newTestOrchestrator(t *testing.T, activator ProfileActivator) *Orchestrator {
	t.Helper()
	sessions, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)

	store := consumption.NewStore(consumption.NewMemBackend("", 0), consumption.DefaultLimits)

	assembler := contextwindow.NewAssembler([]contextwindow.Module{
		contextwindow.NewConversationHistoryModule(1.0),
	}, 1)

	return &Orchestrator{
		Sessions:     sessions,
		Consumption:  store,
		Switcher:     activator,
		Assembler:    assembler,
		Executor:     executor.NewExecutor(nil),
		sessionLocks: make(map[string]*sync.Mutex),
		graphs:       make(map[string]*kg.Graph),
	}
}

func llmOnlyProfile(ownerID, profileID string) *domain.Profile {
	return &domain.Profile{
		ID:                 profileID,
		OwnerID:            ownerID,
		Tag:                "default",
		Kind:               domain.ProfileLLMOnly,
		LLMConfigID:        "llm-1",
		ClassificationMode: domain.ClassificationLight,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
}

func activeContextWith(model fantasy.LanguageModel, profile *domain.Profile) *runtime.ActiveContext {
	return &runtime.ActiveContext{
		Profile:       profile,
		LLMConfig:     &domain.LLMConfig{ID: profile.LLMConfigID, OwnerID: profile.OwnerID, Provider: "anthropic", Model: "claude"},
		LanguageModel: model,
		ActivatedAt:   time.Now(),
	}
}

func TestHandleTurnRejectsMissingFields(t *testing.T) {
	o := newTestOrchestrator(t, &fakeActivator{})
	_, err := o.HandleTurn(context.Background(), TurnRequest{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestHandleTurnRejectsOverHourlyRateLimit(t *testing.T) {
	backend := consumption.NewMemBackend("", 0)
	store := consumption.NewStore(backend, consumption.Limits{HourlyRequests: 0, DailyRequests: 10, MonthlyInputTokens: 1000, MonthlyOutputTokens: 1000})
	sessions, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)

	o := &Orchestrator{Sessions: sessions, Consumption: store, Switcher: &fakeActivator{}}
	_, err = o.HandleTurn(context.Background(), TurnRequest{OwnerID: "owner-1", ProfileID: "p1", Message: "hi"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.RateLimited, apperr.KindOf(err))
}

func TestHandleTurnRejectsOverMonthlyQuota(t *testing.T) {
	backend := consumption.NewMemBackend("", 0)
	store := consumption.NewStore(backend, consumption.Limits{HourlyRequests: 10, DailyRequests: 10, MonthlyInputTokens: 0, MonthlyOutputTokens: 0})
	sessions, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)

	o := &Orchestrator{Sessions: sessions, Consumption: store, Switcher: &fakeActivator{}}
	_, err = o.HandleTurn(context.Background(), TurnRequest{OwnerID: "owner-1", ProfileID: "p1", Message: "hi"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.QuotaExceeded, apperr.KindOf(err))
}

func TestHandleTurnPropagatesActivationFailure(t *testing.T) {
	o := newTestOrchestrator(t, &fakeActivator{err: apperr.New(apperr.NotFound, "profile not found")})
	_, err := o.HandleTurn(context.Background(), TurnRequest{OwnerID: "owner-1", ProfileID: "p1", Message: "hi"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

// fakeModelInfoResolver implements ModelInfoResolver without touching the
// real catwalk-backed registry, so budget math in tests is independent of
// exactly which models that registry happens to carry.
type fakeModelInfoResolver struct{ info *models.ModelInfo }

func (f *fakeModelInfoResolver) ModelInfo(cfg *domain.LLMConfig) (*models.ModelInfo, error) {
	return f.info, nil
}

func TestHandleTurnSuccessPersistsSessionAndConsumption(t *testing.T) {
	profile := llmOnlyProfile("owner-1", "p1")
	model := &stubModel{response: textResponse("hello back")}
	active := activeContextWith(model, profile)

	o := newTestOrchestrator(t, &fakeActivator{ctx: active})
	o.Resolver = &fakeModelInfoResolver{info: &models.ModelInfo{Limit: models.Limit{Context: 100000, Output: 4096}}}

	outcome, err := o.HandleTurn(context.Background(), TurnRequest{
		OwnerID:   "owner-1",
		ProfileID: "p1",
		Message:   "hi there",
	}, nil, nil)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "hello back", outcome.FinalText)
	assert.Equal(t, 1, outcome.TurnNumber)
	assert.NotEmpty(t, outcome.SessionID)

	sess, err := o.Sessions.Load(context.Background(), "owner-1", outcome.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Counters.HasRecordedTurn)
	assert.Len(t, sess.WorkflowHistory, 1)
}

func TestBudgetForPrefersSmallerOfProfileAndModelBudget(t *testing.T) {
	o := &Orchestrator{}
	info := &models.ModelInfo{Limit: models.Limit{Context: 10000}}

	active := activeContextWith(nil, &domain.Profile{ContextBudget: 500})
	assert.Equal(t, 500, o.budgetFor(active, info))

	active = activeContextWith(nil, &domain.Profile{ContextBudget: 0})
	assert.Equal(t, 10000-defaultSafetyMargin, o.budgetFor(active, info))

	active = activeContextWith(nil, &domain.Profile{ContextBudget: 999999})
	assert.Equal(t, 10000-defaultSafetyMargin, o.budgetFor(active, info))
}

func TestBudgetForNeverGoesNegative(t *testing.T) {
	o := &Orchestrator{SafetyMargin: 5000}
	info := &models.ModelInfo{Limit: models.Limit{Context: 1000}}
	active := activeContextWith(nil, &domain.Profile{})
	assert.Equal(t, 0, o.budgetFor(active, info))
}

func TestRenderSystemPromptOrdersSectionsAndSkipsEmpty(t *testing.T) {
	contributions := map[string]contextwindow.Contribution{
		"conversation_history": {Content: "history block"},
		"system_prompt":        {Content: "base instructions"},
		"tool_definitions":     {Content: ""},
	}
	got := renderSystemPrompt(contributions)
	assert.Equal(t, "base instructions\n\nhistory block", got)
}

func TestRenderSystemPromptEmptyWhenNoContributions(t *testing.T) {
	assert.Equal(t, "", renderSystemPrompt(nil))
}

func TestLoadOrCreateSessionCreatesWhenMissing(t *testing.T) {
	o := newTestOrchestrator(t, &fakeActivator{})
	sess, err := o.loadOrCreateSession(context.Background(), "owner-1", "sess-1", "profile-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "owner-1", sess.OwnerID)
}

func TestLoadOrCreateSessionReturnsExisting(t *testing.T) {
	o := newTestOrchestrator(t, &fakeActivator{})
	existing := session.New("sess-1", "owner-1", "profile-1")
	existing.CurrentQuery = "previous question"
	require.NoError(t, o.Sessions.Save(context.Background(), "owner-1", existing))

	sess, err := o.loadOrCreateSession(context.Background(), "owner-1", "sess-1", "profile-1")
	require.NoError(t, err)
	assert.Equal(t, "previous question", sess.CurrentQuery)
}

func TestHasCanvasTool(t *testing.T) {
	assert.True(t, hasCanvasTool([]contextwindow.ToolDef{{Name: "canvas"}, {Name: "search"}}))
	assert.False(t, hasCanvasTool([]contextwindow.ToolDef{{Name: "search"}}))
	assert.False(t, hasCanvasTool(nil))
}

func TestWorkflowSummaries(t *testing.T) {
	history := []session.TurnTrace{
		{TurnNumber: 1, IsValid: true, ExecutionTrace: []session.ActionOutcome{{}, {}}},
		{TurnNumber: 2, IsValid: false},
	}
	got := workflowSummaries(history)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "turn 1 (ok): 2 tool call(s)")
	assert.Contains(t, got[1], "turn 2 (invalid): 0 tool call(s)")
	assert.Nil(t, workflowSummaries(nil))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
}

func TestIsKnowledgeGuided(t *testing.T) {
	guided := activeContextWith(nil, &domain.Profile{KnowledgeConfig: map[string]any{"max_nodes": 5.0}})
	unguided := activeContextWith(nil, &domain.Profile{})
	assert.True(t, isKnowledgeGuided(guided))
	assert.False(t, isKnowledgeGuided(unguided))
}

func newTestKGStore(t *testing.T) *kg.SQLStore {
	t.Helper()
	store, err := kg.OpenSQLStore(filepath.Join(t.TempDir(), "kg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertFromTraceSkipsWhenNotKnowledgeGuided(t *testing.T) {
	store := newTestKGStore(t)
	o := &Orchestrator{KGStore: store, graphs: make(map[string]*kg.Graph)}
	active := activeContextWith(nil, &domain.Profile{})

	trace := []session.ActionOutcome{{
		Output: session.OutputSummary{Status: "success", Results: []string{`{"kg_entities":[{"name":"orders","type":"table"}]}`}},
	}}
	require.NoError(t, o.upsertFromTrace(context.Background(), "owner-1", "profile-1", active, trace))

	g := kg.NewGraph(store, "owner-1", "profile-1")
	entity, err := g.FindByName(context.Background(), "orders", kg.EntityTable)
	require.NoError(t, err)
	assert.Nil(t, entity, "profile without knowledge_config must never write to the graph")
}

func TestUpsertFromTraceAppliesEntitiesAndRelationships(t *testing.T) {
	store := newTestKGStore(t)
	o := &Orchestrator{KGStore: store, graphs: make(map[string]*kg.Graph)}
	active := activeContextWith(nil, &domain.Profile{KnowledgeConfig: map[string]any{"enabled": true}})

	payload := `{
		"kg_entities": [
			{"name": "orders", "type": "table"},
			{"name": "customers", "type": "table"}
		],
		"kg_relationships": [
			{"source": "orders", "source_type": "table", "target": "customers", "target_type": "table", "type": "foreign_key"}
		]
	}`
	trace := []session.ActionOutcome{{
		Output: session.OutputSummary{Status: "success", Results: []string{payload}},
	}}
	require.NoError(t, o.upsertFromTrace(context.Background(), "owner-1", "profile-1", active, trace))

	g := kg.NewGraph(store, "owner-1", "profile-1")
	orders, err := g.FindByName(context.Background(), "orders", kg.EntityTable)
	require.NoError(t, err)
	require.NotNil(t, orders)
	customers, err := g.FindByName(context.Background(), "customers", kg.EntityTable)
	require.NoError(t, err)
	require.NotNil(t, customers)
}

func TestUpsertFromTraceIgnoresFailedAndMalformedResults(t *testing.T) {
	store := newTestKGStore(t)
	o := &Orchestrator{KGStore: store, graphs: make(map[string]*kg.Graph)}
	active := activeContextWith(nil, &domain.Profile{KnowledgeConfig: map[string]any{"enabled": true}})

	trace := []session.ActionOutcome{
		{Output: session.OutputSummary{Status: "error", Results: []string{`{"kg_entities":[{"name":"x","type":"table"}]}`}}},
		{Output: session.OutputSummary{Status: "success", Results: []string{"not json"}}},
	}
	require.NoError(t, o.upsertFromTrace(context.Background(), "owner-1", "profile-1", active, trace))

	g := kg.NewGraph(store, "owner-1", "profile-1")
	entity, err := g.FindByName(context.Background(), "x", kg.EntityTable)
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestPlanHydrationForUsesMostRecentValidTurn(t *testing.T) {
	history := []session.TurnTrace{
		{TurnNumber: 1, IsValid: true, ExecutionTrace: []session.ActionOutcome{
			{Action: session.Action{ToolName: "stale_lookup"}, Output: session.OutputSummary{Status: "success", Results: []string{"old"}}},
		}},
		{TurnNumber: 2, IsValid: false, ExecutionTrace: []session.ActionOutcome{
			{Action: session.Action{ToolName: "ignored"}, Output: session.OutputSummary{Status: "success", Results: []string{"nope"}}},
		}},
		{TurnNumber: 3, IsValid: true, ExecutionTrace: []session.ActionOutcome{
			{Action: session.Action{ToolName: "lookup_account"}, Output: session.OutputSummary{Status: "success", Results: []string{"acct-42"}}},
			{Action: session.Action{ToolName: "broken_call"}, Output: session.OutputSummary{Status: "error", Results: []string{"boom"}}},
		}},
	}

	got := planHydrationFor(history)
	assert.Contains(t, got, "lookup_account")
	assert.Contains(t, got, "acct-42")
	assert.NotContains(t, got, "broken_call")
	assert.NotContains(t, got, "stale_lookup")
}

func TestPlanHydrationForSummarizesLargeRowCounts(t *testing.T) {
	rows := make([]string, 30)
	for i := range rows {
		rows[i] = fmt.Sprintf("row-%d", i)
	}
	history := []session.TurnTrace{
		{TurnNumber: 1, IsValid: true, ExecutionTrace: []session.ActionOutcome{
			{Action: session.Action{ToolName: "list_orders"}, Output: session.OutputSummary{Status: "success", Results: rows}},
		}},
	}

	got := planHydrationFor(history)
	assert.Contains(t, got, "returned 30 rows")
	assert.Contains(t, got, "row-0")
	assert.Contains(t, got, "row-4")
	assert.NotContains(t, got, "row-5")
}

func TestPlanHydrationForReturnsEmptyWithNoSuccesses(t *testing.T) {
	history := []session.TurnTrace{
		{TurnNumber: 1, IsValid: true, ExecutionTrace: []session.ActionOutcome{
			{Action: session.Action{ToolName: "broken"}, Output: session.OutputSummary{Status: "error"}},
		}},
	}
	assert.Equal(t, "", planHydrationFor(history))
	assert.Equal(t, "", planHydrationFor(nil))
}

func TestDocumentExtractsForSkipsAttachmentsWithoutExtractedText(t *testing.T) {
	attachments := []session.Attachment{
		{Name: "a.pdf", URI: "s3://a.pdf"},
		{Name: "b.txt", ExtractedText: "hello world"},
	}
	got := documentExtractsFor(attachments)
	require.Len(t, got, 1)
	assert.Equal(t, "b.txt", got[0].Name)
	assert.Equal(t, "hello world", got[0].Text)
}

func TestToolCategoriesMapsNamesToClassifierCategory(t *testing.T) {
	cl := &classifier.Classification{Tools: []classifier.Info{
		{Name: "search", Category: "retrieval"},
		{Name: "canvas", Category: "rendering"},
	}}
	got := toolCategories(cl)
	assert.Equal(t, "retrieval", got["search"])
	assert.Equal(t, "rendering", got["canvas"])
	assert.Nil(t, toolCategories(nil))
}

func TestToolArgsFromSchemaExtractsPropertiesAndRequired(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"query":  map[string]any{"type": "string", "description": "search text"},
			"limit":  map[string]any{"type": "integer", "description": "max results"},
		},
		"required": []any{"query"},
	}
	args := toolArgsFromSchema(schema)
	require.Len(t, args, 2)
	byName := map[string]contextwindow.ToolArg{}
	for _, a := range args {
		byName[a.Name] = a
	}
	assert.True(t, byName["query"].Required)
	assert.False(t, byName["limit"].Required)
	assert.Equal(t, "string", byName["query"].Type)
}
