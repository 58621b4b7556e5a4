package consumption

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxMutateRetries bounds retries of a lost optimistic-transaction race
// (redis.TxFailedErr) before mutate gives up.
const maxMutateRetries = 10

// errSkipSave signals that fn decided nothing changed and no write should
// be persisted (e.g. IncrementSessionCount's already-seen case).
var errSkipSave = errors.New("consumption: no change to persist")

// watchBackend is implemented by backends that can perform an atomic
// compare-and-swap read-modify-write, so Store's mutators stay correct
// when multiple replicas share one backend (RedisBackend across a fleet).
// Backends without this capability fall back to load-then-save under
// Store's in-process per-owner lock, which is only safe for a single
// replica.
type watchBackend interface {
	SaveWithWatch(ctx context.Context, ownerID string, mutate func(*UserConsumption) (*UserConsumption, error)) error
}

// Limits configures the thresholds a new UserConsumption is created with.
// Real deployments source these per-tier from the owning User (spec §3);
// Store accepts one fixed set of defaults and the caller can override a
// loaded aggregate's limits directly before saving if a user's tier changes.
type Limits struct {
	HourlyRequests      int
	DailyRequests       int
	MonthlyInputTokens  int64
	MonthlyOutputTokens int64
}

// DefaultLimits is a conservative starting point for owners with no
// explicit tier configuration.
var DefaultLimits = Limits{
	HourlyRequests:      120,
	DailyRequests:       2000,
	MonthlyInputTokens:  5_000_000,
	MonthlyOutputTokens: 1_000_000,
}

// Store implements the atomic per-owner consumption operations of spec §4.3
// on top of a Backend. Every mutating method serializes on a per-owner
// in-process mutex (the same sharded-lock idiom as C2's session store and
// C6's context switcher) so two goroutines racing to record the same
// owner's turn can never interleave their read-modify-write.
type Store struct {
	backend Backend
	limits  Limits

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store over backend using limits for any owner not yet
// seen.
func NewStore(backend Backend, limits Limits) *Store {
	return &Store{backend: backend, limits: limits, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ownerID] = l
	}
	return l
}

// loadOrInit fetches ownerID's aggregate, creating one from Limits if absent.
func (s *Store) loadOrInit(ctx context.Context, ownerID string, now time.Time) (*UserConsumption, error) {
	uc, err := s.backend.Load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if uc == nil {
		uc = s.newAggregate(ownerID, now)
	}
	return uc, nil
}

func (s *Store) newAggregate(ownerID string, now time.Time) *UserConsumption {
	return NewUserConsumption(ownerID, now, s.limits.HourlyRequests, s.limits.DailyRequests,
		s.limits.MonthlyInputTokens, s.limits.MonthlyOutputTokens)
}

// mutate loads ownerID's aggregate, applies fn to it, and persists the
// result — via the backend's compare-and-swap path when it implements
// watchBackend, retrying lost races, or via plain load-then-save
// (serialized by the caller's per-owner lock) otherwise. fn returning
// errSkipSave leaves the stored aggregate untouched.
func (s *Store) mutate(ctx context.Context, ownerID string, fn func(*UserConsumption) error) error {
	wb, ok := s.backend.(watchBackend)
	if !ok {
		uc, err := s.loadOrInit(ctx, ownerID, time.Now())
		if err != nil {
			return err
		}
		if err := fn(uc); err != nil {
			if errors.Is(err, errSkipSave) {
				return nil
			}
			return err
		}
		return s.backend.Save(ctx, ownerID, uc)
	}

	var err error
	for attempt := 0; attempt < maxMutateRetries; attempt++ {
		err = wb.SaveWithWatch(ctx, ownerID, func(current *UserConsumption) (*UserConsumption, error) {
			if current == nil {
				current = s.newAggregate(ownerID, time.Now())
			}
			if mutErr := fn(current); mutErr != nil {
				return nil, mutErr
			}
			return current, nil
		})
		if err == nil || !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, errSkipSave) {
		return nil
	}
	return err
}

// resetExpiredWindows resets the hourly/daily request counters whose reset
// instant has passed (spec: "resets hourly/daily counters if their reset
// instants are past").
func resetExpiredWindows(uc *UserConsumption, now time.Time) {
	if !now.Before(uc.HourWindow.ResetAt) {
		uc.HourWindow.Count = 0
		uc.HourWindow.ResetAt = nextHour(now)
	}
	if !now.Before(uc.DayWindow.ResetAt) {
		uc.DayWindow.Count = 0
		uc.DayWindow.ResetAt = nextDayUTC(now)
	}
}

// CheckRate reports whether owner_id may make another request right now.
// reason is non-empty only when ok is false.
func (s *Store) CheckRate(ctx context.Context, ownerID string) (ok bool, reason string, err error) {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	err = s.mutate(ctx, ownerID, func(uc *UserConsumption) error {
		resetExpiredWindows(uc, time.Now())
		switch {
		case uc.HourWindow.Count >= uc.HourWindow.Limit:
			ok, reason = false, "hourly request limit exceeded"
		case uc.DayWindow.Count >= uc.DayWindow.Limit:
			ok, reason = false, "daily request limit exceeded"
		default:
			ok, reason = true, ""
		}
		return nil
	})
	return ok, reason, err
}

// CheckQuota reports whether owner_id's monthly token usage still has
// headroom. A turn that pushed usage over quota is still recorded (spec's
// tie-break rule); only the *next* request is rejected.
func (s *Store) CheckQuota(ctx context.Context, ownerID string) (ok bool, reason string, err error) {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	uc, err := s.loadOrInit(ctx, ownerID, now)
	if err != nil {
		return false, "", err
	}

	if uc.InputQuota.Used >= uc.InputQuota.Limit {
		return false, "monthly input token quota exceeded", nil
	}
	if uc.OutputQuota.Used >= uc.OutputQuota.Limit {
		return false, "monthly output token quota exceeded", nil
	}
	return true, "", nil
}

// IncrementRequest records that a request was made: bumps the hour/day
// counters and their running peaks.
func (s *Store) IncrementRequest(ctx context.Context, ownerID string) error {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	return s.mutate(ctx, ownerID, func(uc *UserConsumption) error {
		now := time.Now()
		resetExpiredWindows(uc, now)

		uc.HourWindow.Count++
		uc.DayWindow.Count++
		if uc.HourWindow.Count > uc.HourWindow.PeakCount {
			uc.HourWindow.PeakCount = uc.HourWindow.Count
		}
		if uc.DayWindow.Count > uc.DayWindow.PeakCount {
			uc.DayWindow.PeakCount = uc.DayWindow.Count
		}
		uc.UpdatedAt = now
		return nil
	})
}

// RecordTurn updates token/cost/model tallies, appends an audit record, and
// updates the 24h turn-velocity window.
func (s *Store) RecordTurn(ctx context.Context, ownerID string, rec TurnRecord) error {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	err := s.mutate(ctx, ownerID, func(uc *UserConsumption) error {
		uc.InputQuota.Used += rec.InputTokens
		uc.OutputQuota.Used += rec.OutputTokens
		uc.TotalTurns++
		switch rec.Status {
		case "success":
			uc.SuccessCount++
		case "failure":
			uc.FailureCount++
		}
		if rec.RAGUsed {
			uc.RAGUsedCount++
			uc.RAGSavedTokens += rec.RAGSavedTokens
		}
		uc.CostMicroUSD += rec.CostMicroUSD

		key := modelKey(rec.Provider, rec.Model)
		tally := uc.PerModel[key]
		tally.InputTokens += rec.InputTokens
		tally.OutputTokens += rec.OutputTokens
		tally.Turns++
		tally.CostMicroUSD += rec.CostMicroUSD
		uc.PerModel[key] = tally

		uc.RecentTurnTimestamps = appendTurnVelocity(uc.RecentTurnTimestamps, now)
		uc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	return s.backend.AppendTurn(ctx, ownerID, ConsumptionTurn{
		OwnerID:        ownerID,
		SessionID:      rec.SessionID,
		TurnNumber:     rec.TurnNumber,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		Provider:       rec.Provider,
		Model:          rec.Model,
		Status:         rec.Status,
		RAGUsed:        rec.RAGUsed,
		RAGSavedTokens: rec.RAGSavedTokens,
		CostMicroUSD:   rec.CostMicroUSD,
		QueryPreview:   rec.QueryPreview,
		SessionName:    rec.SessionName,
		RecordedAt:     now,
	})
}

// appendTurnVelocity appends now to the velocity timestamps. Nothing is aged
// out here; RolloverPeriod clears the list when the period changes.
func appendTurnVelocity(existing []time.Time, now time.Time) []time.Time {
	return append(existing, now)
}

// SessionsLast24h reports the turn-velocity count: how many turns this
// owner has recorded since the current period began (spec §9 open question:
// implemented as monotonic-within-period bookkeeping, reset wholesale on
// RolloverPeriod rather than aged continuously).
func (s *Store) SessionsLast24h(ctx context.Context, ownerID string) (int, error) {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := s.loadOrInit(ctx, ownerID, time.Now())
	if err != nil {
		return 0, err
	}
	return len(uc.RecentTurnTimestamps), nil
}

// IncrementSessionCount records sessionID as seen for this owner and, when
// isNew is true, increments SessionCount. A sessionID already seen is a
// no-op, so a session counts at most once; a session first seen with isNew
// false is marked seen without being counted.
func (s *Store) IncrementSessionCount(ctx context.Context, ownerID, sessionID string, isNew bool) error {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	return s.mutate(ctx, ownerID, func(uc *UserConsumption) error {
		if uc.KnownSessions == nil {
			uc.KnownSessions = make(map[string]bool)
		}
		if uc.KnownSessions[sessionID] {
			return errSkipSave
		}
		uc.KnownSessions[sessionID] = true
		if isNew {
			uc.SessionCount++
		}
		uc.UpdatedAt = time.Now()
		return nil
	})
}

// RolloverPeriod archives the current period's counters and resets them if
// the wall-clock month has advanced past CurrentPeriod.
func (s *Store) RolloverPeriod(ctx context.Context, ownerID string) error {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	return s.mutate(ctx, ownerID, func(uc *UserConsumption) error {
		now := time.Now()
		thisPeriod := periodFor(now)
		if uc.CurrentPeriod == thisPeriod {
			return errSkipSave
		}

		uc.PeriodsArchive = append(uc.PeriodsArchive, ArchivedPeriod{
			Period:         uc.CurrentPeriod,
			TotalInputTok:  uc.InputQuota.Used,
			TotalOutputTok: uc.OutputQuota.Used,
			TotalTurns:     uc.TotalTurns,
			SuccessCount:   uc.SuccessCount,
			FailureCount:   uc.FailureCount,
			RAGUsedCount:   uc.RAGUsedCount,
			RAGSavedTokens: uc.RAGSavedTokens,
			CostMicroUSD:   uc.CostMicroUSD,
			PerModel:       uc.PerModel,
			ArchivedAt:     now,
		})

		uc.CurrentPeriod = thisPeriod
		uc.InputQuota.Used = 0
		uc.OutputQuota.Used = 0
		uc.TotalTurns = 0
		uc.SuccessCount = 0
		uc.FailureCount = 0
		uc.RAGUsedCount = 0
		uc.RAGSavedTokens = 0
		uc.CostMicroUSD = 0
		uc.PerModel = make(map[string]ModelTally)
		uc.KnownSessions = make(map[string]bool)
		uc.SessionCount = 0
		uc.RecentTurnTimestamps = nil
		uc.UpdatedAt = now
		return nil
	})
}

// Snapshot returns a copy of ownerID's current aggregate, for read-only
// reporting (e.g. the HTTP usage endpoint).
func (s *Store) Snapshot(ctx context.Context, ownerID string) (*UserConsumption, error) {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadOrInit(ctx, ownerID, time.Now())
}

// CostMicroUSD converts a token count at a per-million-token USD price
// (e.g. 3.00) into integer micro-USD: cost_micro = round(tokens *
// pricePerMillionUSD). Teacher's usage_tracker accumulates float64 dollars
// across the whole session; here the rounding happens once per call so
// repeated additions of the int64 result never drift.
func CostMicroUSD(tokens int64, pricePerMillionUSD float64) int64 {
	if tokens <= 0 || pricePerMillionUSD <= 0 {
		return 0
	}
	return int64(float64(tokens)*pricePerMillionUSD + 0.5)
}
