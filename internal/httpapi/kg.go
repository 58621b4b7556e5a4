package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/kg"
)

func (s *Server) graphFor(r *http.Request) *kg.Graph {
	ownerID := ownerFromContext(r.Context())
	profileID := chi.URLParam(r, "profile")
	return kg.NewGraph(s.KGStore, ownerID, profileID)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	profileID := chi.URLParam(r, "profile")

	entities, _, err := s.KGStore.LoadAll(r.Context(), ownerID, profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	profileID := chi.URLParam(r, "profile")

	_, rels, err := s.KGStore.LoadAll(r.Context(), ownerID, profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rels)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	profileID := chi.URLParam(r, "profile")

	var entity kg.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		writeError(w, apperr.New(apperr.Validation, "malformed entity body"))
		return
	}
	entity.OwnerID = ownerID
	entity.ProfileID = profileID
	if entity.Source == "" {
		entity.Source = "api"
	}

	if err := s.graphFor(r).UpsertEntity(r.Context(), &entity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (s *Server) handleCreateRelationship(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	profileID := chi.URLParam(r, "profile")

	var rel kg.Relationship
	if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
		writeError(w, apperr.New(apperr.Validation, "malformed relationship body"))
		return
	}
	rel.OwnerID = ownerID
	rel.ProfileID = profileID
	if rel.Source == "" {
		rel.Source = "api"
	}

	if err := s.graphFor(r).UpsertRelationship(r.Context(), &rel); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	if err := s.graphFor(r).DeleteEntity(r.Context(), entityID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRelationship(w http.ResponseWriter, r *http.Request) {
	relationshipID := chi.URLParam(r, "relationshipID")
	if err := s.graphFor(r).DeleteRelationship(r.Context(), relationshipID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type kgSearchRequest struct {
	Query    string `json:"query"`
	MaxNodes int    `json:"max_nodes,omitempty"`
}

type kgSearchResponse struct {
	Context string `json:"context"`
}

func (s *Server) handleSearchKG(w http.ResponseWriter, r *http.Request) {
	var body kgSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.Validation, "malformed search body"))
		return
	}
	if body.Query == "" {
		writeError(w, apperr.New(apperr.Validation, "query is required"))
		return
	}

	rendered, err := s.graphFor(r).SearchContext(r.Context(), body.Query, body.MaxNodes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kgSearchResponse{Context: rendered})
}
