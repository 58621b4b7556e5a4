package kg

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLStore(filepath.Join(dir, "kg.db"))
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertEntityThenLoadAll(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	e := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "orders", Type: EntityTable}
	if err := s.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if e.ID == "" {
		t.Fatal("UpsertEntity did not assign an ID")
	}

	entities, _, err := s.LoadAll(ctx, "o1", "p1")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "orders" {
		t.Fatalf("LoadAll entities = %+v, want one entity named orders", entities)
	}
}

func TestUpsertEntityIsIdempotentOnNaturalKey(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	e1 := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "orders", Type: EntityTable, Source: "v1"}
	if err := s.UpsertEntity(ctx, e1); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	e2 := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "orders", Type: EntityTable, Source: "v2"}
	if err := s.UpsertEntity(ctx, e2); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	entities, _, err := s.LoadAll(ctx, "o1", "p1")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("len(entities) = %d, want 1 (upsert on natural key)", len(entities))
	}
	if entities[0].Source != "v2" {
		t.Errorf("Source = %q, want %q (second upsert should win)", entities[0].Source, "v2")
	}
}

func TestDeleteEntityCascadesRelationships(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	a := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "orders", Type: EntityTable}
	b := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "customers", Type: EntityTable}
	if err := s.UpsertEntity(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEntity(ctx, b); err != nil {
		t.Fatal(err)
	}
	rel := &Relationship{OwnerID: "o1", ProfileID: "p1", SourceID: a.ID, TargetID: b.ID, Type: RelRelatesTo}
	if err := s.UpsertRelationship(ctx, rel); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteEntity(ctx, "o1", "p1", a.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	_, rels, err := s.LoadAll(ctx, "o1", "p1")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(rels) != 0 {
		t.Errorf("len(rels) = %d, want 0 after cascading delete", len(rels))
	}
}

func TestBulkImportAndClear(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	entities := []Entity{
		{OwnerID: "o1", ProfileID: "p1", Name: "orders", Type: EntityTable},
		{OwnerID: "o1", ProfileID: "p1", Name: "customers", Type: EntityTable},
	}
	if err := s.BulkImport(ctx, entities, nil); err != nil {
		t.Fatalf("BulkImport: %v", err)
	}

	loaded, _, err := s.LoadAll(ctx, "o1", "p1")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("len(loaded) = %d, want 2", len(loaded))
	}

	if err := s.Clear(ctx, "o1", "p1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	loaded, _, err = s.LoadAll(ctx, "o1", "p1")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("len(loaded) = %d after Clear, want 0", len(loaded))
	}
}
