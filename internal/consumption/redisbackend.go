package consumption

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/conduit/internal/apperr"
)

// RedisBackend is the optional horizontally-scaled Backend: multiple
// conduit replicas share one Redis instance so rate limits and quotas are
// enforced consistently across the fleet, not per-process. Each owner's
// UserConsumption is stored as one JSON value. Plain Save overwrites it
// unconditionally; SaveWithWatch instead performs a WATCH/MULTI/EXEC
// optimistic transaction so two replicas racing to update the same owner
// never silently drop one another's write — Store.mutate prefers
// SaveWithWatch whenever the configured Backend supports it, retrying on
// redis.TxFailedErr.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBackend wraps an existing client. keyPrefix namespaces keys
// (e.g. "conduit:consumption:") so the consumption store can share a Redis
// instance with other subsystems.
func NewRedisBackend(client *redis.Client, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (b *RedisBackend) aggregateKey(ownerID string) string {
	return b.keyPrefix + "agg:" + ownerID
}

func (b *RedisBackend) turnsKey(ownerID string) string {
	return b.keyPrefix + "turns:" + ownerID
}

func (b *RedisBackend) Load(ctx context.Context, ownerID string) (*UserConsumption, error) {
	data, err := b.client.Get(ctx, b.aggregateKey(ownerID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "redis get consumption aggregate", err)
	}
	var uc UserConsumption
	if err := json.Unmarshal(data, &uc); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode redis consumption aggregate", err)
	}
	return &uc, nil
}

// Save writes uc unconditionally. Callers that need compare-and-swap
// semantics across replicas should use SaveWithWatch instead; plain Save is
// safe when called from under Store's per-owner in-process lock, which is
// sufficient unless multiple replicas mutate the same owner concurrently.
func (b *RedisBackend) Save(ctx context.Context, ownerID string, uc *UserConsumption) error {
	data, err := json.Marshal(uc)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal redis consumption aggregate", err)
	}
	if err := b.client.Set(ctx, b.aggregateKey(ownerID), data, 0).Err(); err != nil {
		return apperr.Wrap(apperr.Internal, "redis set consumption aggregate", err)
	}
	return nil
}

// SaveWithWatch performs an optimistic read-modify-write: it watches the
// aggregate key, re-reads the current value (nil if the owner has no
// aggregate yet), lets mutate produce the value to persist, and commits
// only if nothing changed the key in between. On a lost race it returns
// redis.TxFailedErr so the caller (Store.mutate) can retry.
func (b *RedisBackend) SaveWithWatch(ctx context.Context, ownerID string, mutate func(*UserConsumption) (*UserConsumption, error)) error {
	key := b.aggregateKey(ownerID)
	return b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := b.loadWithinTx(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "marshal redis consumption aggregate", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (b *RedisBackend) loadWithinTx(ctx context.Context, tx *redis.Tx, ownerID string) (*UserConsumption, error) {
	data, err := tx.Get(ctx, b.aggregateKey(ownerID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "redis get consumption aggregate in tx", err)
	}
	var uc UserConsumption
	if err := json.Unmarshal(data, &uc); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode redis consumption aggregate in tx", err)
	}
	return &uc, nil
}

func (b *RedisBackend) AppendTurn(ctx context.Context, ownerID string, turn ConsumptionTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal redis consumption turn", err)
	}
	if err := b.client.RPush(ctx, b.turnsKey(ownerID), data).Err(); err != nil {
		return apperr.Wrap(apperr.Internal, "redis rpush consumption turn", err)
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
