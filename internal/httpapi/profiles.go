package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/conduit/internal/apperr"
)

// activateResponse reports what spec §6 requires: "classification-mode and
// cache-hit flag".
type activateResponse struct {
	ProfileID          string `json:"profile_id"`
	ClassificationMode string `json:"classification_mode"`
	ClassificationHit  bool   `json:"classification_cache_hit"`
}

func (s *Server) handleActivateProfile(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	profileID := chi.URLParam(r, "id")

	cacheHit := false
	if s.Profiles != nil && s.ClassifierCache != nil {
		if profile, err := s.Profiles.GetProfile(r.Context(), ownerID, profileID); err == nil {
			_, cacheHit = s.ClassifierCache.Get(profile)
		}
	}

	active, err := s.Switcher.Activate(r.Context(), ownerID, profileID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, activateResponse{
		ProfileID:          profileID,
		ClassificationMode: string(active.Profile.ClassificationMode),
		ClassificationHit:  cacheHit,
	})
}

func (s *Server) handleGetClassification(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	profileID := chi.URLParam(r, "id")

	if s.Profiles == nil || s.ClassifierCache == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	profile, err := s.Profiles.GetProfile(r.Context(), ownerID, profileID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.NotFound, "load profile", err))
		return
	}

	cl, ok := s.ClassifierCache.Get(profile)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, cl)
}
