package consumption

import "context"

// Backend is the storage abstraction consumption.Store builds its atomic
// per-owner operations on top of. MemBackend is the default, in-process
// implementation; RedisBackend lets the consumption store scale
// horizontally across replicas sharing one rate-limit/quota state.
type Backend interface {
	// Load returns the current aggregate for ownerID, or nil if none exists yet.
	Load(ctx context.Context, ownerID string) (*UserConsumption, error)
	// Save persists the aggregate, replacing any prior value for ownerID.
	Save(ctx context.Context, ownerID string, uc *UserConsumption) error
	// AppendTurn appends an immutable audit record for ownerID.
	AppendTurn(ctx context.Context, ownerID string, turn ConsumptionTurn) error
}
