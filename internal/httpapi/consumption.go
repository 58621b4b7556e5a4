package httpapi

import "net/http"

// consumptionCheckResponse reports remaining budgets (spec §6: "returns
// remaining hour/day/month budgets").
type consumptionCheckResponse struct {
	HourRemaining  int   `json:"hour_remaining"`
	DayRemaining   int   `json:"day_remaining"`
	InputRemaining int64 `json:"input_tokens_remaining"`
	OutputRemaining int64 `json:"output_tokens_remaining"`
	CurrentPeriod  string `json:"current_period"`
}

func (s *Server) handleConsumptionCheck(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())

	snapshot, err := s.Consumption.Snapshot(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, consumptionCheckResponse{
		HourRemaining:   remaining(snapshot.HourWindow.Limit, snapshot.HourWindow.Count),
		DayRemaining:    remaining(snapshot.DayWindow.Limit, snapshot.DayWindow.Count),
		InputRemaining:  remaining64(snapshot.InputQuota.Limit, snapshot.InputQuota.Used),
		OutputRemaining: remaining64(snapshot.OutputQuota.Limit, snapshot.OutputQuota.Used),
		CurrentPeriod:   snapshot.CurrentPeriod,
	})
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return -1 // unlimited
	}
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

func remaining64(limit, used int64) int64 {
	if limit <= 0 {
		return -1
	}
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}
