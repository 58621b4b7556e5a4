package consumption

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaymesh/conduit/internal/apperr"
)

// MemBackend is the default in-process Backend. Aggregates live in a
// guarded map; if snapshotPath is set, Save also periodically persists a
// JSON snapshot to disk (the same atomic temp-file+rename idiom C2 uses)
// so counters survive a process restart without needing Redis.
type MemBackend struct {
	mu           sync.RWMutex
	aggregates   map[string]*UserConsumption
	turns        map[string][]ConsumptionTurn
	snapshotPath string
	writesSince  int
	flushEvery   int
}

// NewMemBackend creates an empty in-process backend. If snapshotPath is
// non-empty, Save flushes a full snapshot to that file every flushEvery
// writes (0 or negative disables periodic flushing; call Flush explicitly).
func NewMemBackend(snapshotPath string, flushEvery int) *MemBackend {
	return &MemBackend{
		aggregates:   make(map[string]*UserConsumption),
		turns:        make(map[string][]ConsumptionTurn),
		snapshotPath: snapshotPath,
		flushEvery:   flushEvery,
	}
}

func (b *MemBackend) Load(_ context.Context, ownerID string) (*UserConsumption, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	uc, ok := b.aggregates[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *uc
	return &cp, nil
}

func (b *MemBackend) Save(_ context.Context, ownerID string, uc *UserConsumption) error {
	b.mu.Lock()
	cp := *uc
	b.aggregates[ownerID] = &cp
	b.writesSince++
	shouldFlush := b.snapshotPath != "" && b.flushEvery > 0 && b.writesSince >= b.flushEvery
	if shouldFlush {
		b.writesSince = 0
	}
	b.mu.Unlock()

	if shouldFlush {
		return b.Flush()
	}
	return nil
}

func (b *MemBackend) AppendTurn(_ context.Context, ownerID string, turn ConsumptionTurn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns[ownerID] = append(b.turns[ownerID], turn)
	return nil
}

// Flush writes every known aggregate to snapshotPath as one JSON document,
// atomically (temp file + rename).
func (b *MemBackend) Flush() error {
	if b.snapshotPath == "" {
		return nil
	}
	b.mu.RLock()
	data, err := json.MarshalIndent(b.aggregates, "", "  ")
	b.mu.RUnlock()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal consumption snapshot", err)
	}

	dir := filepath.Dir(b.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "create snapshot dir", err)
	}
	tmp, err := os.CreateTemp(dir, "consumption.*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create temp snapshot file", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperr.Wrap(apperr.Internal, "write temp snapshot file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.Internal, "close temp snapshot file", err)
	}
	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		return apperr.Wrap(apperr.Internal, "rename snapshot into place", err)
	}
	return nil
}

// LoadSnapshot restores aggregates from a prior Flush, if snapshotPath exists.
func (b *MemBackend) LoadSnapshot() error {
	if b.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(b.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.Internal, "read consumption snapshot", err)
	}
	var aggregates map[string]*UserConsumption
	if err := json.Unmarshal(data, &aggregates); err != nil {
		return apperr.Wrap(apperr.Internal, "decode consumption snapshot", err)
	}
	b.mu.Lock()
	b.aggregates = aggregates
	b.mu.Unlock()
	return nil
}

var _ Backend = (*MemBackend)(nil)
