// Package httpapi exposes conduit's turn orchestrator, profile activation,
// consumption accounting, and knowledge graph store over HTTP (spec §6): a
// chi router, following the same middleware-chain-then-routes shape the
// pack's one real HTTP gateway (Sergey-Bar-Alfred/services/gateway/router)
// uses, generalized from that gateway's single LLM-proxy surface to
// conduit's turn/profile/consumption/kg endpoint set.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/classifier"
	"github.com/relaymesh/conduit/internal/consumption"
	"github.com/relaymesh/conduit/internal/kg"
	"github.com/relaymesh/conduit/internal/orchestrator"
	"github.com/relaymesh/conduit/internal/runtime"
)

// maxTurnBodyBytes bounds a POST /turn request body, mirroring the gateway
// example's body-size-limit middleware.
const maxTurnBodyBytes = 1 << 20 // 1MB

// ownerHeader carries the caller's owner ID. Real credential verification
// (password hashing, JWT issuance, OAuth) is explicitly out of scope (spec
// Non-goals: "authentication primitives"); this module only needs a narrow
// interface that resolves a request to an owner ID, so a single header
// stands in for whatever identity provider fronts this service in
// production.
const ownerHeader = "X-Conduit-Owner"

type ctxKey int

const ownerCtxKey ctxKey = iota

// Server wires C9 (Orchestrator), C6 (Switcher), C5 (classifier cache),
// C3 (consumption), and C4 (KG store) onto the spec §6 HTTP surface.
type Server struct {
	Orchestrator    *orchestrator.Orchestrator
	Switcher        *runtime.Switcher
	Profiles        runtime.ProfileStore
	ClassifierCache *classifier.Cache
	Consumption     *consumption.Store
	KGStore         *kg.SQLStore
}

// Router builds the chi.Router serving every spec §6 endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(maxBodySize(maxTurnBodyBytes))

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/turn", s.handleTurn)
		r.Post("/profiles/{id}:activate", s.handleActivateProfile)
		r.Get("/profiles/{id}/classification", s.handleGetClassification)
		r.Post("/consumption:check", s.handleConsumptionCheck)

		r.Route("/kg/{profile}", func(r chi.Router) {
			r.Get("/entities", s.handleListEntities)
			r.Post("/entities", s.handleCreateEntity)
			r.Delete("/entities/{entityID}", s.handleDeleteEntity)
			r.Get("/relationships", s.handleListRelationships)
			r.Post("/relationships", s.handleCreateRelationship)
			r.Delete("/relationships/{relationshipID}", s.handleDeleteRelationship)
			r.Post("/search", s.handleSearchKG)
		})
	})

	return r
}

// maxBodySize caps a request body's size, mirroring the gateway example's
// mwMaxBodySize middleware.
func maxBodySize(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		log.Info("request completed",
			"method", r.Method, "path", r.URL.Path,
			"status", rw.Status(), "duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()))
	})
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get(ownerHeader)
}

func withOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerCtxKey, ownerID)
}

func ownerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ownerCtxKey).(string)
	return v
}

// requireOwner rejects requests missing the owner header with 401, the
// same status spec §6 assigns to "unauthenticated".
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerFromRequest(r)
		if owner == "" {
			writeError(w, apperr.New(apperr.Auth, "missing "+ownerHeader+" header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withOwner(r.Context(), owner)))
	})
}

// writeError maps err to its spec §6 HTTP status and writes a JSON body
// {"error": kind, "message": ...}.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	if kind == apperr.RateLimited {
		if ae, ok := err.(*apperr.Error); ok && ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
		}
	}
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
