package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/message"
)

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	s := New("sess_1", "owner_1", "profile_1")
	s.AddMessage(message.Message{Role: message.RoleUser, Parts: []message.ContentPart{message.TextContent{Text: "hi"}}})

	if err := store.Save(ctx, "owner_1", s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx, "owner_1", "sess_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != s.ID || len(got.ChatObject) != 1 {
		t.Fatalf("round trip mismatch: %#v", got)
	}
	if got.ChatObject[0].Content() != "hi" {
		t.Errorf("message content = %q, want %q", got.ChatObject[0].Content(), "hi")
	}

	wantPath := filepath.Join(dir, "owner_1", "sess_1.json")
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("expected session file at %s: %v", wantPath, err)
	}
}

func TestFileStoreLoadMissingReturnsNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_, err = store.Load(context.Background(), "owner_1", "missing")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("KindOf(err) = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestFileStorePurgeFieldClearsChatObject(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	s := New("sess_1", "owner_1", "profile_1")
	s.AddMessage(message.Message{Role: message.RoleUser, Parts: []message.ContentPart{message.TextContent{Text: "hi"}}})
	s.AppendTurnTrace(TurnTrace{TurnNumber: 1, IsValid: true})
	if err := store.Save(ctx, "owner_1", s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.PurgeField(ctx, "owner_1", "sess_1", FieldChatObject); err != nil {
		t.Fatalf("PurgeField: %v", err)
	}

	got, err := store.Load(ctx, "owner_1", "sess_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.ChatObject) != 0 {
		t.Errorf("ChatObject len = %d, want 0 after purge", len(got.ChatObject))
	}
	if len(got.WorkflowHistory) != 1 {
		t.Errorf("WorkflowHistory should be untouched by chat_object purge, got len %d", len(got.WorkflowHistory))
	}
}

func TestFileStorePurgeFieldUnknown(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)
	ctx := context.Background()
	s := New("sess_1", "owner_1", "profile_1")
	_ = store.Save(ctx, "owner_1", s)

	err := store.PurgeField(ctx, "owner_1", "sess_1", FieldName("bogus"))
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("KindOf(err) = %v, want Validation", apperr.KindOf(err))
	}
}

func TestMemStoreRoundTripIsolatesCallerMutation(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	s := New("sess_1", "owner_1", "profile_1")
	if err := store.Save(ctx, "owner_1", s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutate the caller's copy after saving; the store must not reflect it.
	s.CurrentQuery = "mutated after save"

	got, err := store.Load(ctx, "owner_1", "sess_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CurrentQuery == "mutated after save" {
		t.Errorf("MemStore.Save did not deep-copy the session")
	}
}

func TestValidMessagesExcludesInvalid(t *testing.T) {
	s := New("sess_1", "owner_1", "profile_1")
	s.AddMessage(message.Message{Role: message.RoleUser, Parts: []message.ContentPart{message.TextContent{Text: "keep"}}})

	invalid := message.Message{Role: message.RoleAssistant, Parts: []message.ContentPart{message.TextContent{Text: "drop"}}}
	invalid.MarkValid(false)
	s.ChatObject = append(s.ChatObject, invalid)

	valid := s.ValidMessages()
	if len(valid) != 1 || valid[0].Content() != "keep" {
		t.Errorf("ValidMessages() = %#v, want only the valid message", valid)
	}
}
