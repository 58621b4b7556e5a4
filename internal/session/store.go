package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/message"
)

// FieldName identifies a Session field PurgeField can clear in place.
type FieldName string

const (
	FieldChatObject      FieldName = "chat_object"
	FieldWorkflowHistory FieldName = "workflow_history"
)

// Store persists and retrieves sessions (spec §4.2). Concurrent writers to
// the same session are serialized; readers observe a consistent snapshot
// (never a partially written file).
type Store interface {
	Load(ctx context.Context, ownerID, sessionID string) (*Session, error)
	Save(ctx context.Context, ownerID string, s *Session) error
	PurgeField(ctx context.Context, ownerID, sessionID string, field FieldName) error
	Delete(ctx context.Context, ownerID, sessionID string) error
}

// lockTable shards a mutex per (owner, session) pair so unrelated sessions
// never contend, following the same sharded-lock idiom C3 and C6 use for
// their own owner-scoped state.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) forKey(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

func sessionKey(ownerID, sessionID string) string {
	return ownerID + "/" + sessionID
}

// FileStore persists one JSON file per session under
// <root>/<owner_id>/<session_id>.json (spec §6), written via a temp-file +
// rename so readers never observe a partially written document.
type FileStore struct {
	root  string
	locks *lockTable
}

// NewFileStore creates a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create session store root", err)
	}
	return &FileStore{root: dir, locks: newLockTable()}, nil
}

func (fs *FileStore) path(ownerID, sessionID string) string {
	return filepath.Join(fs.root, ownerID, sessionID+".json")
}

// Load reads a session document from disk.
func (fs *FileStore) Load(_ context.Context, ownerID, sessionID string) (*Session, error) {
	lock := fs.locks.forKey(sessionKey(ownerID, sessionID))
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(fs.path(ownerID, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("session %s not found for owner %s", sessionID, ownerID))
		}
		return nil, apperr.Wrap(apperr.Internal, "read session file", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode session file", err)
	}
	return &s, nil
}

// Save atomically writes s to disk: marshal, write to a temp file in the
// same directory, fsync, then rename into place. The rename is what
// guarantees readers never see a half-written file.
func (fs *FileStore) Save(_ context.Context, ownerID string, s *Session) error {
	lock := fs.locks.forKey(sessionKey(ownerID, s.ID))
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(fs.root, ownerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "create owner session dir", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal session", err)
	}

	tmp, err := os.CreateTemp(dir, s.ID+".*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create temp session file", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperr.Wrap(apperr.Internal, "write temp session file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return apperr.Wrap(apperr.Internal, "sync temp session file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.Internal, "close temp session file", err)
	}

	if err := os.Rename(tmpPath, fs.path(ownerID, s.ID)); err != nil {
		return apperr.Wrap(apperr.Internal, "rename session file into place", err)
	}
	return nil
}

// PurgeField clears the named field in place and re-saves the session.
func (fs *FileStore) PurgeField(ctx context.Context, ownerID, sessionID string, field FieldName) error {
	s, err := fs.Load(ctx, ownerID, sessionID)
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
	return fs.Save(ctx, ownerID, s)
}

// Delete removes a session's on-disk document.
func (fs *FileStore) Delete(_ context.Context, ownerID, sessionID string) error {
	lock := fs.locks.forKey(sessionKey(ownerID, sessionID))
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fs.path(ownerID, sessionID)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.Internal, "delete session file", err)
	}
	return nil
}
