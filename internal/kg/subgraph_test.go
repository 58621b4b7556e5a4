package kg

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

// schemaFixture builds: shop(database) -> orders(table) -> {id, customer_id}
// columns, and shop -> customers(table) -> {customer_id, name} columns,
// plus a business_concept "Revenue" related to orders.
func schemaFixture(t *testing.T, ctx context.Context, g *Graph) (ordersID, customersID string) {
	t.Helper()

	db := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "shop", Type: EntityDatabase}
	orders := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "orders", Type: EntityTable}
	customers := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "customers", Type: EntityTable}
	ordersID2 := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "id", Type: EntityColumn,
		Properties: map[string]any{"data_type": "integer"}}
	ordersCustID := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "customer_id", Type: EntityColumn,
		Properties: map[string]any{"data_type": "integer"}}
	custID := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "customer_id", Type: EntityColumn,
		Properties: map[string]any{"data_type": "integer"}}
	custName := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "name", Type: EntityColumn,
		Properties: map[string]any{"data_type": "text"}}
	revenue := &Entity{OwnerID: "o1", ProfileID: "p1", Name: "Revenue", Type: EntityMetric,
		Properties: map[string]any{"description": "total order revenue"}}

	all := []*Entity{db, orders, customers, ordersID2, ordersCustID, custID, custName, revenue}
	for _, e := range all {
		if err := g.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("UpsertEntity(%s): %v", e.Name, err)
		}
	}

	rels := []*Relationship{
		{OwnerID: "o1", ProfileID: "p1", SourceID: db.ID, TargetID: orders.ID, Type: RelContains},
		{OwnerID: "o1", ProfileID: "p1", SourceID: db.ID, TargetID: customers.ID, Type: RelContains},
		{OwnerID: "o1", ProfileID: "p1", SourceID: orders.ID, TargetID: ordersID2.ID, Type: RelContains},
		{OwnerID: "o1", ProfileID: "p1", SourceID: orders.ID, TargetID: ordersCustID.ID, Type: RelContains},
		{OwnerID: "o1", ProfileID: "p1", SourceID: customers.ID, TargetID: custID.ID, Type: RelContains},
		{OwnerID: "o1", ProfileID: "p1", SourceID: customers.ID, TargetID: custName.ID, Type: RelContains},
		{OwnerID: "o1", ProfileID: "p1", SourceID: orders.ID, TargetID: revenue.ID, Type: RelMeasures},
	}
	for _, r := range rels {
		if err := g.UpsertRelationship(ctx, r); err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}

	return orders.ID, customers.ID
}

func newSubgraphTestGraph(t *testing.T) *Graph {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLStore(filepath.Join(dir, "kg.db"))
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewGraph(s, "o1", "p1")
}

func TestExtractSubgraphEmptyInputs(t *testing.T) {
	ctx := context.Background()
	g := newSubgraphTestGraph(t)
	schemaFixture(t, ctx, g)

	sg, err := g.ExtractSubgraph(ctx, SubgraphRequest{SeedIDs: nil, MaxNodes: 50})
	if err != nil {
		t.Fatalf("ExtractSubgraph: %v", err)
	}
	if sg == nil || len(sg.Entities) != 0 {
		t.Errorf("ExtractSubgraph with no seeds = %+v, want empty non-nil Subgraph", sg)
	}

	sg, err = g.ExtractSubgraph(ctx, SubgraphRequest{SeedIDs: []string{"x"}, MaxNodes: 0})
	if err != nil {
		t.Fatalf("ExtractSubgraph: %v", err)
	}
	if sg == nil || len(sg.Entities) != 0 {
		t.Errorf("ExtractSubgraph with MaxNodes=0 = %+v, want empty non-nil Subgraph", sg)
	}
}

func TestExtractSubgraphFindsJoinableColumn(t *testing.T) {
	ctx := context.Background()
	g := newSubgraphTestGraph(t)
	orders, customers := schemaFixture(t, ctx, g)

	sg, err := g.ExtractSubgraph(ctx, SubgraphRequest{
		SeedIDs:  []string{orders, customers},
		MaxNodes: 50,
	})
	if err != nil {
		t.Fatalf("ExtractSubgraph: %v", err)
	}

	byID := make(map[string]Entity)
	for _, e := range sg.Entities {
		byID[e.ID] = e
	}
	if _, ok := byID[orders]; !ok {
		t.Error("subgraph missing seed table orders")
	}
	if _, ok := byID[customers]; !ok {
		t.Error("subgraph missing seed table customers")
	}

	var customerIDCols int
	for _, e := range sg.Entities {
		if e.Type == EntityColumn && e.Name == "customer_id" {
			customerIDCols++
		}
	}
	if customerIDCols != 2 {
		t.Errorf("customer_id columns in subgraph = %d, want 2 (both tables)", customerIDCols)
	}

	for _, r := range sg.Relationships {
		if _, ok := byID[r.SourceID]; !ok {
			t.Errorf("relationship %s has source not in entity set", r.ID)
		}
		if _, ok := byID[r.TargetID]; !ok {
			t.Errorf("relationship %s has target not in entity set", r.ID)
		}
	}
}

func TestExtractSubgraphRespectsMaxNodes(t *testing.T) {
	ctx := context.Background()
	g := newSubgraphTestGraph(t)
	orders, customers := schemaFixture(t, ctx, g)

	sg, err := g.ExtractSubgraph(ctx, SubgraphRequest{
		SeedIDs:  []string{orders, customers},
		MaxNodes: 2,
	})
	if err != nil {
		t.Fatalf("ExtractSubgraph: %v", err)
	}
	if len(sg.Entities) > 2 {
		t.Errorf("len(sg.Entities) = %d, want <= 2", len(sg.Entities))
	}
}

func TestRenderContextSections(t *testing.T) {
	ctx := context.Background()
	g := newSubgraphTestGraph(t)
	orders, customers := schemaFixture(t, ctx, g)

	sg, err := g.ExtractSubgraph(ctx, SubgraphRequest{
		SeedIDs:  []string{orders, customers},
		MaxNodes: 50,
	})
	if err != nil {
		t.Fatalf("ExtractSubgraph: %v", err)
	}

	text := RenderContext(sg)
	if !strings.Contains(text, "TABLE SCHEMAS") {
		t.Error("rendered context missing TABLE SCHEMAS section")
	}
	if !strings.Contains(text, "JOINABLE COLUMNS") {
		t.Error("rendered context missing JOINABLE COLUMNS section")
	}
	if !strings.Contains(text, "customer_id") {
		t.Error("rendered context missing customer_id in joinable columns")
	}

	schemaIdx := strings.Index(text, "TABLE SCHEMAS")
	joinIdx := strings.Index(text, "JOINABLE COLUMNS")
	if schemaIdx == -1 || joinIdx == -1 || schemaIdx > joinIdx {
		t.Error("section order violated: TABLE SCHEMAS must precede JOINABLE COLUMNS")
	}

	if strings.Contains(text, "orders id") && strings.Contains(text, "KNOWN RELATIONSHIPS\n- orders contains id") {
		t.Error("KNOWN RELATIONSHIPS should exclude table->column contains edges already shown in schema")
	}
}

func TestRenderContextEmpty(t *testing.T) {
	if got := RenderContext(&Subgraph{}); got != "" {
		t.Errorf("RenderContext(empty) = %q, want empty string", got)
	}
	if got := RenderContext(nil); got != "" {
		t.Errorf("RenderContext(nil) = %q, want empty string", got)
	}
}
