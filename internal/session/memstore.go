package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/message"
)

// MemStore is an in-process Store backed by a guarded map, used in tests and
// anywhere durability across process restarts isn't required. Sessions are
// deep-copied on Save/Load (via JSON round trip) so callers can't mutate the
// stored copy through a returned pointer.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte // sessionKey -> marshaled Session
}

// NewMemStore creates an empty in-memory session store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]byte)}
}

func (m *MemStore) Load(_ context.Context, ownerID, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.sessions[sessionKey(ownerID, sessionID)]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("session %s not found for owner %s", sessionID, ownerID))
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode in-memory session", err)
	}
	return &s, nil
}

func (m *MemStore) Save(_ context.Context, ownerID string, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal in-memory session", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey(ownerID, s.ID)] = data
	return nil
}

func (m *MemStore) PurgeField(ctx context.Context, ownerID, sessionID string, field FieldName) error {
	s, err := m.Load(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	switch field {
	case FieldChatObject:
		s.ChatObject = []message.Message{}
	case FieldWorkflowHistory:
		s.WorkflowHistory = []TurnTrace{}
	default:
		return apperr.New(apperr.Validation, fmt.Sprintf("unknown session field %q", field))
	}
	return m.Save(ctx, ownerID, s)
}

func (m *MemStore) Delete(_ context.Context, ownerID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey(ownerID, sessionID))
	return nil
}

var _ Store = (*FileStore)(nil)
var _ Store = (*MemStore)(nil)
