package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charm.land/fantasy"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/classifier"
	"github.com/relaymesh/conduit/internal/consumption"
	"github.com/relaymesh/conduit/internal/contextwindow"
	"github.com/relaymesh/conduit/internal/domain"
	"github.com/relaymesh/conduit/internal/executor"
	"github.com/relaymesh/conduit/internal/kg"
	"github.com/relaymesh/conduit/internal/models"
	"github.com/relaymesh/conduit/internal/orchestrator"
	"github.com/relaymesh/conduit/internal/providers"
	"github.com/relaymesh/conduit/internal/runtime"
	"github.com/relaymesh/conduit/internal/session"
)

// --- fakes shared across this file ---

type stubModel struct {
	response *fantasy.Response
}

func (s *stubModel) Model() string { return "stub-model" }
func (s *stubModel) Generate(ctx context.Context, call fantasy.Call) (*fantasy.Response, error) {
	return s.response, nil
}

func textResponse(text string) *fantasy.Response {
	return &fantasy.Response{Content: fantasy.ResponseContent{fantasy.TextContent{Text: text}}}
}

type fakeActivator struct{ ctx *runtime.ActiveContext }

func (f *fakeActivator) Activate(ctx context.Context, ownerID, profileID string) (*runtime.ActiveContext, error) {
	return f.ctx, nil
}

type fakeModelInfoResolver struct{}

func (fakeModelInfoResolver) ModelInfo(cfg *domain.LLMConfig) (*models.ModelInfo, error) {
	return &models.ModelInfo{Limit: models.Limit{Context: 100000, Output: 4096}}, nil
}

func newWorkingOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	profile := &domain.Profile{ID: "p1", OwnerID: "owner-1", Kind: domain.ProfileLLMOnly, LLMConfigID: "llm-1"}
	active := &runtime.ActiveContext{
		Profile:       profile,
		LLMConfig:     &domain.LLMConfig{ID: "llm-1", OwnerID: "owner-1", Provider: "anthropic", Model: "claude"},
		LanguageModel: &stubModel{response: textResponse("hi there")},
	}
	sessions, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := consumption.NewStore(consumption.NewMemBackend("", 0), consumption.DefaultLimits)
	assembler := contextwindow.NewAssembler([]contextwindow.Module{
		contextwindow.NewConversationHistoryModule(1.0),
	}, 1)

	return orchestrator.New(sessions, store, &fakeActivator{ctx: active}, assembler, executor.NewExecutor(nil), fakeModelInfoResolver{}, nil)
}

func newTestServer(t *testing.T, orch *orchestrator.Orchestrator) *Server {
	t.Helper()
	kgStore, err := kg.OpenSQLStore(filepath.Join(t.TempDir(), "kg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kgStore.Close() })

	classifierCache := classifier.NewCache(t.TempDir(), nil)

	return &Server{
		Orchestrator:    orch,
		Consumption:     orch.Consumption,
		KGStore:         kgStore,
		ClassifierCache: classifierCache,
	}
}

// --- requireOwner ---

func TestRequireOwnerRejectsMissingHeader(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))
	req := httptest.NewRequest(http.MethodPost, "/consumption:check", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- /turn ---

func TestHandleTurnRejectsMissingFields(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))
	req := httptest.NewRequest(http.MethodPost, "/turn", bytes.NewBufferString(`{"message":""}`))
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleTurnRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))
	req := httptest.NewRequest(http.MethodPost, "/turn", bytes.NewBufferString(`not json`))
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleTurnStreamsSSEAndTerminalOutcome(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))
	body, err := json.Marshal(map[string]string{"profile_id": "p1", "message": "hello"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/turn", bytes.NewBuffer(body))
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	out := w.Body.String()
	assert.Contains(t, out, "event: conversation_agent_start")
	assert.Contains(t, out, "event: turn_outcome")
	assert.Contains(t, out, "hi there")
}

// --- /consumption:check ---

func TestHandleConsumptionCheckReportsRemainingBudget(t *testing.T) {
	orch := newWorkingOrchestrator(t)
	s := newTestServer(t, orch)

	req := httptest.NewRequest(http.MethodPost, "/consumption:check", nil)
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp consumptionCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, consumption.DefaultLimits.HourlyRequests, resp.HourRemaining)
	assert.Equal(t, consumption.DefaultLimits.DailyRequests, resp.DayRemaining)
}

// --- /kg/{profile}/... ---

func TestKGEntityCreateListDelete(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))

	createBody, err := json.Marshal(map[string]string{"name": "orders", "type": "table"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/kg/p1/entities", bytes.NewBuffer(createBody))
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created kg.Entity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "api", created.Source)

	listReq := httptest.NewRequest(http.MethodGet, "/kg/p1/entities", nil)
	listReq.Header.Set(ownerHeader, "owner-1")
	listW := httptest.NewRecorder()
	s.Router().ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)
	var entities []kg.Entity
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &entities))
	require.Len(t, entities, 1)

	delReq := httptest.NewRequest(http.MethodDelete, "/kg/p1/entities/"+created.ID, nil)
	delReq.Header.Set(ownerHeader, "owner-1")
	delW := httptest.NewRecorder()
	s.Router().ServeHTTP(delW, delReq)
	assert.Equal(t, http.StatusNoContent, delW.Code)
}

func TestKGSearchRequiresQuery(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))
	req := httptest.NewRequest(http.MethodPost, "/kg/p1/search", bytes.NewBufferString(`{"query":""}`))
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestKGSearchReturnsRenderedContext(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))

	createBody, _ := json.Marshal(map[string]string{"name": "orders", "type": "table"})
	createReq := httptest.NewRequest(http.MethodPost, "/kg/p1/entities", bytes.NewBuffer(createBody))
	createReq.Header.Set(ownerHeader, "owner-1")
	createW := httptest.NewRecorder()
	s.Router().ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusCreated, createW.Code)

	searchReq := httptest.NewRequest(http.MethodPost, "/kg/p1/search", bytes.NewBufferString(`{"query":"orders"}`))
	searchReq.Header.Set(ownerHeader, "owner-1")
	searchW := httptest.NewRecorder()
	s.Router().ServeHTTP(searchW, searchReq)
	require.Equal(t, http.StatusOK, searchW.Code)

	var resp kgSearchResponse
	require.NoError(t, json.Unmarshal(searchW.Body.Bytes(), &resp))
	assert.Contains(t, resp.Context, "orders")
}

// --- profile activation: real Switcher, provider with no resolvable
// credentials so activation fails deterministically before any network
// call (ResolveCredentials exhausts its env-var fallback list and errors).

type fakeProfileStore struct{ profile *domain.Profile }

func (f *fakeProfileStore) GetProfile(ctx context.Context, ownerID, profileID string) (*domain.Profile, error) {
	return f.profile, nil
}

type fakeLLMConfigStore struct{ cfg *domain.LLMConfig }

func (f *fakeLLMConfigStore) GetLLMConfig(ctx context.Context, ownerID, id string) (*domain.LLMConfig, error) {
	return f.cfg, nil
}

type fakeMCPServerStore struct{}

func (fakeMCPServerStore) GetMCPServer(ctx context.Context, ownerID, id string) (*domain.MCPServer, error) {
	return nil, apperr.New(apperr.NotFound, "no mcp server")
}

func TestHandleActivateProfileSurfacesResolverError(t *testing.T) {
	profile := &domain.Profile{ID: "p1", OwnerID: "owner-1", Kind: domain.ProfileLLMOnly, LLMConfigID: "llm-1"}
	cfg := &domain.LLMConfig{ID: "llm-1", OwnerID: "owner-1", Provider: "no-such-provider", Model: "x"}
	switcher := runtime.NewSwitcher(&fakeProfileStore{profile: profile}, &fakeLLMConfigStore{cfg: cfg}, fakeMCPServerStore{}, providers.NewResolver(nil), nil)

	s := newTestServer(t, newWorkingOrchestrator(t))
	s.Switcher = switcher
	s.Profiles = &fakeProfileStore{profile: profile}

	req := httptest.NewRequest(http.MethodPost, "/profiles/p1:activate", nil)
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code) // apperr.Auth: no credentials resolvable
}

func TestHandleGetClassificationReturnsEmptyWithoutCache(t *testing.T) {
	s := newTestServer(t, newWorkingOrchestrator(t))
	s.Profiles = nil
	s.ClassifierCache = nil

	req := httptest.NewRequest(http.MethodGet, "/profiles/p1/classification", nil)
	req.Header.Set(ownerHeader, "owner-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}
