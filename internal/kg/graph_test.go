package kg

import (
	"context"
	"path/filepath"
	"testing"
)

// seedChain builds database -> table(orders) -> column(id), plus a second
// disconnected table, and returns their entity IDs.
func seedChain(t *testing.T, ctx context.Context, g *Graph) (db, table, column, isolated string) {
	t.Helper()

	dbE := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "shop", Type: EntityDatabase}
	tableE := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "orders", Type: EntityTable}
	colE := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "id", Type: EntityColumn,
		Properties: map[string]any{"data_type": "integer"}}
	isoE := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "lonely", Type: EntityTable}

	for _, e := range []*Entity{dbE, tableE, colE, isoE} {
		if err := g.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("UpsertEntity(%s): %v", e.Name, err)
		}
	}

	rels := []*Relationship{
		{OwnerID: "o1", ProfileID: "p1", SourceID: dbE.ID, TargetID: tableE.ID, Type: RelContains},
		{OwnerID: "o1", ProfileID: "p1", SourceID: tableE.ID, TargetID: colE.ID, Type: RelContains},
	}
	for _, r := range rels {
		if err := g.UpsertRelationship(ctx, r); err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}

	return dbE.ID, tableE.ID, colE.ID, isoE.ID
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLStore(filepath.Join(dir, "kg.db"))
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewGraph(s, "o1", "p1")
}

func TestGraphStatisticsComponentsAndDegree(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	db, table, column, iso := seedChain(t, ctx, g)

	stats, err := g.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.EntityCount != 4 {
		t.Errorf("EntityCount = %d, want 4", stats.EntityCount)
	}
	if stats.RelationshipCount != 2 {
		t.Errorf("RelationshipCount = %d, want 2", stats.RelationshipCount)
	}
	if stats.ComponentCount != 2 {
		t.Errorf("ComponentCount = %d, want 2 (chain + isolated table)", stats.ComponentCount)
	}
	if stats.Degree[table] != 2 {
		t.Errorf("Degree[table] = %d, want 2", stats.Degree[table])
	}
	if stats.Degree[db] != 1 || stats.Degree[column] != 1 || stats.Degree[iso] != 0 {
		t.Errorf("unexpected degrees: db=%d column=%d iso=%d", stats.Degree[db], stats.Degree[column], stats.Degree[iso])
	}
	if stats.HasCycle {
		t.Error("HasCycle = true, want false for a tree")
	}
}

func TestGraphStatisticsDetectsCycle(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	_, table, column, _ := seedChain(t, ctx, g)

	// Add a second edge between table and column: now a 2-cycle exists.
	if err := g.UpsertRelationship(ctx, &Relationship{
		OwnerID: "o1", ProfileID: "p1", SourceID: table, TargetID: column, Type: RelRelatesTo,
	}); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}

	stats, err := g.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if !stats.HasCycle {
		t.Error("HasCycle = false, want true after adding a parallel edge")
	}
}

func TestGraphShortestPath(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	db, _, column, iso := seedChain(t, ctx, g)

	path, err := g.ShortestPath(ctx, db, column)
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("ShortestPath(db, column) = %v, want 3 nodes", path)
	}

	path, err = g.ShortestPath(ctx, db, iso)
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}
	if path != nil {
		t.Errorf("ShortestPath(db, iso) = %v, want nil (disconnected)", path)
	}
}

func TestGraphDescendantsAndAncestors(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	db, table, column, _ := seedChain(t, ctx, g)

	desc, err := g.Descendants(ctx, db)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(desc) != 2 {
		t.Fatalf("Descendants(db) = %v, want [table, column]", desc)
	}

	anc, err := g.Ancestors(ctx, column)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(anc) != 2 {
		t.Fatalf("Ancestors(column) = %v, want [table, db]", anc)
	}
	_ = table
}

func TestGraphInvalidateRebuildsOnWrite(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	_, _, _, _ = seedChain(t, ctx, g)

	stats, err := g.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.EntityCount != 4 {
		t.Fatalf("EntityCount = %d, want 4", stats.EntityCount)
	}

	if err := g.UpsertEntity(ctx, &Entity{OwnerID: "o1", ProfileID: "p1", Name: "extra", Type: EntityTable}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	stats, err = g.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.EntityCount != 5 {
		t.Errorf("EntityCount after write = %d, want 5 (cache should have been invalidated)", stats.EntityCount)
	}
}
