// Package consumption implements per-owner rate limiting, quota
// enforcement, and turn accounting (spec §4.3). Every mutating operation is
// atomic per owner_id: a sharded per-owner mutex serializes access to that
// owner's UserConsumption aggregate, the same lock-table idiom C2 and C6
// use for their own owner-scoped state.
package consumption

import "time"

// RateWindow tracks a rolling request counter that resets at a fixed
// instant (the top of the next hour, or midnight UTC for the daily window).
type RateWindow struct {
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	PeakCount int       `json:"peak_count"`
}

// TokenQuota tracks a monthly cumulative token budget.
type TokenQuota struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// ModelTally aggregates usage for one (provider, model) pair within the
// current period.
type ModelTally struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Turns        int64 `json:"turns"`
	CostMicroUSD int64 `json:"cost_micro_usd"`
}

// modelKey combines provider and model into a flat map key.
func modelKey(provider, model string) string { return provider + ":" + model }

// ArchivedPeriod is a snapshot of a UserConsumption's counters filed away on
// rollover, keyed by the period they belong to (e.g. "2026-06").
type ArchivedPeriod struct {
	Period          string                `json:"period"`
	TotalInputTok   int64                 `json:"total_input_tokens"`
	TotalOutputTok  int64                 `json:"total_output_tokens"`
	TotalTurns      int64                 `json:"total_turns"`
	SuccessCount    int64                 `json:"success_count"`
	FailureCount    int64                 `json:"failure_count"`
	RAGUsedCount    int64                 `json:"rag_used_count"`
	RAGSavedTokens  int64                 `json:"rag_saved_tokens"`
	CostMicroUSD    int64                 `json:"cost_micro_usd"`
	PerModel        map[string]ModelTally `json:"per_model"`
	ArchivedAt      time.Time             `json:"archived_at"`
}

// UserConsumption is the per-owner aggregate for the current billing
// period (spec §3). All counters reset on RolloverPeriod.
type UserConsumption struct {
	OwnerID string `json:"owner_id"`

	CurrentPeriod string `json:"current_period"` // "YYYY-MM"

	HourWindow RateWindow `json:"hour_window"`
	DayWindow  RateWindow `json:"day_window"`

	InputQuota  TokenQuota `json:"input_quota"`
	OutputQuota TokenQuota `json:"output_quota"`

	TotalTurns   int64 `json:"total_turns"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`

	RAGUsedCount   int64 `json:"rag_used_count"`
	RAGSavedTokens int64 `json:"rag_saved_tokens"`

	CostMicroUSD int64 `json:"cost_micro_usd"`

	PerModel map[string]ModelTally `json:"per_model"`

	// KnownSessions supports the idempotent increment_session_count
	// operation: a session counts toward SessionCount at most once.
	KnownSessions map[string]bool `json:"known_sessions,omitempty"`
	SessionCount  int64           `json:"session_count"`

	// RecentTurnTimestamps is the list of turn completion times used to
	// derive sessions_last_24h velocity (spec §9 open question: monotonic
	// within the period, reset on rollover rather than continuously aged).
	RecentTurnTimestamps []time.Time `json:"recent_turn_timestamps,omitempty"`

	PeriodsArchive []ArchivedPeriod `json:"periods_archive,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserConsumption creates a zero-valued aggregate for ownerID, with the
// rate windows primed to expire at the next hour/day boundary.
func NewUserConsumption(ownerID string, now time.Time, hourLimit, dayLimit int, inputLimit, outputLimit int64) *UserConsumption {
	return &UserConsumption{
		OwnerID:       ownerID,
		CurrentPeriod: periodFor(now),
		HourWindow:    RateWindow{Limit: hourLimit, ResetAt: nextHour(now)},
		DayWindow:     RateWindow{Limit: dayLimit, ResetAt: nextDayUTC(now)},
		InputQuota:    TokenQuota{Limit: inputLimit},
		OutputQuota:   TokenQuota{Limit: outputLimit},
		PerModel:      make(map[string]ModelTally),
		KnownSessions: make(map[string]bool),
		UpdatedAt:     now,
	}
}

func periodFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func nextHour(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
}

func nextDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// TurnRecord is the input to RecordTurn: everything observed about one
// completed conversation turn.
type TurnRecord struct {
	SessionID      string
	TurnNumber     int
	InputTokens    int64
	OutputTokens   int64
	Provider       string
	Model          string
	Status         string // "success" or "failure"
	RAGUsed        bool
	RAGSavedTokens int64
	CostMicroUSD   int64
	QueryPreview   string
	SessionName    string
}

// ConsumptionTurn is the immutable audit record appended per completed turn.
type ConsumptionTurn struct {
	OwnerID        string    `json:"owner_id"`
	SessionID      string    `json:"session_id"`
	TurnNumber     int       `json:"turn_number"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	RAGUsed        bool      `json:"rag_used"`
	RAGSavedTokens int64     `json:"rag_saved_tokens"`
	CostMicroUSD   int64     `json:"cost_micro_usd"`
	QueryPreview   string    `json:"query_preview"`
	SessionName    string    `json:"session_name"`
	RecordedAt     time.Time `json:"recorded_at"`
}
