package kg

import (
	"context"
	"sort"
	"strings"
)

// SubgraphRequest parameterizes ExtractSubgraph (spec §4.4.1).
type SubgraphRequest struct {
	SeedIDs      []string
	QueryMatched map[string]bool // subset of SeedIDs the user's query matched directly
	MaxNodes     int
}

// Subgraph is the bounded result of ExtractSubgraph: a node set rich enough
// to ground SQL generation, plus every relationship whose endpoints both
// lie in that set.
type Subgraph struct {
	Entities      []Entity
	Relationships []Relationship
}

// discovered tracks a node found during extraction, in insertion order for
// deterministic rendering, plus the bookkeeping phases 1b/2/3 need.
type discovered struct {
	entity       *Entity
	distance     int
	queryMatched bool
}

// ExtractSubgraph implements the adaptive subgraph extraction algorithm of
// spec §4.4.1: an FK-chain BFS over structural entities, iterative
// joinable-table discovery, database-context inclusion, budget-aware column
// expansion, and capped semantic enrichment. A missing Graph, empty seeds,
// or a non-positive MaxNodes all yield an empty, non-nil Subgraph.
func (g *Graph) ExtractSubgraph(ctx context.Context, req SubgraphRequest) (*Subgraph, error) {
	if len(req.SeedIDs) == 0 || req.MaxNodes <= 0 {
		return &Subgraph{}, nil
	}
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make(map[string]*discovered)

	seeds := g.promoteSeeds(req.SeedIDs)
	for _, id := range seeds {
		e := g.entities[id]
		if e == nil {
			continue
		}
		nodes[id] = &discovered{entity: e, distance: 0, queryMatched: req.QueryMatched[id]}
	}

	g.fkChainBFS(nodes)
	g.joinableTableDiscovery(nodes)
	g.includeDatabaseContext(nodes, req.MaxNodes)
	g.expandColumns(nodes, req.MaxNodes)
	g.semanticEnrichment(nodes, req.MaxNodes)

	return g.materialize(nodes), nil
}

// promoteSeeds returns, for every non-expandable seed (column,
// business_concept, …), its adjacent structural neighbors instead; expandable
// seeds (table, foreign_key) pass through unchanged.
func (g *Graph) promoteSeeds(seedIDs []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range seedIDs {
		e := g.entities[id]
		if e == nil {
			continue
		}
		if structuralTypes[e.Type] {
			add(id)
			continue
		}
		for _, edge := range g.adjacency[id] {
			if n := g.entities[edge.neighbor]; n != nil && structuralTypes[n.Type] {
				add(edge.neighbor)
			}
		}
	}
	return out
}

// fkChainBFS is phase 1a: an unbounded BFS restricted to structural types,
// recording BFS distance per discovered node.
func (g *Graph) fkChainBFS(nodes map[string]*discovered) {
	queue := make([]string, 0, len(nodes))
	for id := range nodes {
		queue = append(queue, id)
	}
	sort.Strings(queue) // deterministic traversal order

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curDist := nodes[cur].distance

		for _, edge := range g.adjacency[cur] {
			n := g.entities[edge.neighbor]
			if n == nil || !structuralTypes[n.Type] {
				continue
			}
			if _, ok := nodes[edge.neighbor]; ok {
				continue
			}
			nodes[edge.neighbor] = &discovered{entity: n, distance: curDist + 1}
			queue = append(queue, edge.neighbor)
		}
	}
}

// joinableTableDiscovery is phase 1b: at most 3 rounds of discovering
// tables that share a column name (case-insensitive) with an already
// discovered table.
func (g *Graph) joinableTableDiscovery(nodes map[string]*discovered) {
	for round := 0; round < 3; round++ {
		columnNames := g.discoveredColumnNames(nodes)
		if len(columnNames) == 0 {
			return
		}

		deepest := 0
		for _, d := range nodes {
			if d.distance > deepest {
				deepest = d.distance
			}
		}

		var added []string
		for id, e := range g.entities {
			if e.Type != EntityTable {
				continue
			}
			if _, ok := nodes[id]; ok {
				continue
			}
			if g.tableOwnsAnyColumn(id, columnNames) {
				nodes[id] = &discovered{entity: e, distance: deepest + 1}
				added = append(added, id)
			}
		}
		if len(added) == 0 {
			return
		}
	}
}

// discoveredColumnNames returns the lower-cased set of column names owned
// (via `contains`) by tables already in nodes.
func (g *Graph) discoveredColumnNames(nodes map[string]*discovered) map[string]bool {
	names := make(map[string]bool)
	for id, d := range nodes {
		if d.entity.Type != EntityTable {
			continue
		}
		for _, edge := range g.adjacency[id] {
			if !edge.forward || edge.rel.Type != RelContains {
				continue
			}
			if col := g.entities[edge.neighbor]; col != nil && col.Type == EntityColumn {
				names[strings.ToLower(col.Name)] = true
			}
		}
	}
	return names
}

// tableOwnsAnyColumn reports whether tableID has a `contains` column child
// whose lower-cased name is in names.
func (g *Graph) tableOwnsAnyColumn(tableID string, names map[string]bool) bool {
	for _, edge := range g.adjacency[tableID] {
		if !edge.forward || edge.rel.Type != RelContains {
			continue
		}
		if col := g.entities[edge.neighbor]; col != nil && col.Type == EntityColumn {
			if names[strings.ToLower(col.Name)] {
				return true
			}
		}
	}
	return false
}

// includeDatabaseContext is phase 1c: database entities that are
// `contains`-parents of a discovered table are included, unexpanded, while
// the node count stays below maxNodes.
func (g *Graph) includeDatabaseContext(nodes map[string]*discovered, maxNodes int) {
	var tableIDs []string
	for id, d := range nodes {
		if d.entity.Type == EntityTable {
			tableIDs = append(tableIDs, id)
		}
	}
	for _, id := range tableIDs {
		for _, edge := range g.adjacency[id] {
			if edge.forward || edge.rel.Type != RelContains {
				continue // need the reverse direction: database -> table
			}
			parent := g.entities[edge.neighbor]
			if parent == nil || parent.Type != EntityDatabase {
				continue
			}
			if _, ok := nodes[edge.neighbor]; !ok {
				if len(nodes) >= maxNodes {
					return
				}
				nodes[edge.neighbor] = &discovered{entity: parent, distance: nodes[id].distance}
			}
		}
	}
}

// expandColumns is phase 2: budget-aware column expansion, tables visited
// in (query_matched_first, distance_ascending) order.
func (g *Graph) expandColumns(nodes map[string]*discovered, maxNodes int) {
	budget := maxNodes - len(nodes)
	if budget <= 0 {
		return
	}

	var tableIDs []string
	for id, d := range nodes {
		if d.entity.Type == EntityTable {
			tableIDs = append(tableIDs, id)
		}
	}
	sort.Slice(tableIDs, func(i, j int) bool {
		di, dj := nodes[tableIDs[i]], nodes[tableIDs[j]]
		if di.queryMatched != dj.queryMatched {
			return di.queryMatched // query-matched first
		}
		if di.distance != dj.distance {
			return di.distance < dj.distance
		}
		return tableIDs[i] < tableIDs[j]
	})

	for _, tid := range tableIDs {
		if budget <= 0 {
			return
		}
		cols := g.tableColumns(tid)
		sort.Strings(cols)
		for _, colID := range cols {
			if budget <= 0 {
				return
			}
			if _, ok := nodes[colID]; ok {
				continue
			}
			nodes[colID] = &discovered{entity: g.entities[colID], distance: nodes[tid].distance + 1}
			budget--
		}
	}
}

// tableColumns returns the IDs of tableID's `contains` column children.
func (g *Graph) tableColumns(tableID string) []string {
	var out []string
	for _, edge := range g.adjacency[tableID] {
		if !edge.forward || edge.rel.Type != RelContains {
			continue
		}
		if col := g.entities[edge.neighbor]; col != nil && col.Type == EntityColumn {
			out = append(out, edge.neighbor)
		}
	}
	return out
}

// semanticEnrichment is phase 3: while budget remains and the semantic node
// count stays below 50, add neighbors of structural nodes whose type is
// business_concept, metric, taxonomy, or domain.
func (g *Graph) semanticEnrichment(nodes map[string]*discovered, maxNodes int) {
	const semanticCap = 50
	semanticCount := 0
	for _, d := range nodes {
		if semanticTypes[d.entity.Type] {
			semanticCount++
		}
	}

	var structuralIDs []string
	for id, d := range nodes {
		if structuralTypes[d.entity.Type] {
			structuralIDs = append(structuralIDs, id)
		}
	}
	sort.Strings(structuralIDs)

	for _, id := range structuralIDs {
		for _, edge := range g.adjacency[id] {
			if len(nodes) >= maxNodes || semanticCount >= semanticCap {
				return
			}
			n := g.entities[edge.neighbor]
			if n == nil || !semanticTypes[n.Type] {
				continue
			}
			if _, ok := nodes[edge.neighbor]; ok {
				continue
			}
			nodes[edge.neighbor] = &discovered{entity: n, distance: nodes[id].distance + 1}
			semanticCount++
		}
	}
}

// materialize converts the discovered node set into a Subgraph, including
// only relationships whose endpoints are both present.
func (g *Graph) materialize(nodes map[string]*discovered) *Subgraph {
	out := &Subgraph{}
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		out.Entities = append(out.Entities, *nodes[id].entity)
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		for _, edge := range g.adjacency[id] {
			if !edge.forward || seen[edge.rel.ID] {
				continue
			}
			if _, ok := nodes[edge.neighbor]; !ok {
				continue
			}
			seen[edge.rel.ID] = true
			out.Relationships = append(out.Relationships, *edge.rel)
		}
	}
	return out
}
