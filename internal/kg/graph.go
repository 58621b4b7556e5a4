package kg

import (
	"context"
	"strings"
	"sync"
)

// edge is one adjacency-list entry: the neighbor entity and the
// relationship that connects to it.
type edge struct {
	neighbor string
	rel      *Relationship
	forward  bool // true if this entity is the relationship's SourceID
}

// Graph is a lazily-rebuilt, in-memory adjacency view of one (owner,
// profile) knowledge graph. It is rebuilt from the SQLStore the first time
// it's accessed after any write invalidates it — the same pattern as
// recomputing a derived index after the source of truth changes, rather
// than keeping a separate write path in sync by hand.
type Graph struct {
	store     *SQLStore
	ownerID   string
	profileID string

	mu        sync.RWMutex
	valid     bool
	entities  map[string]*Entity
	adjacency map[string][]edge
}

// NewGraph returns a Graph over store for one (ownerID, profileID) pair.
// It is built lazily on first use.
func NewGraph(store *SQLStore, ownerID, profileID string) *Graph {
	return &Graph{store: store, ownerID: ownerID, profileID: profileID}
}

// Invalidate marks the cached adjacency stale; the next read rebuilds it
// from the SQLStore. Call this after any write through the Graph's store.
func (g *Graph) Invalidate() {
	g.mu.Lock()
	g.valid = false
	g.mu.Unlock()
}

// ensure rebuilds the adjacency cache if it is stale. Callers must not hold
// g.mu when calling this.
func (g *Graph) ensure(ctx context.Context) error {
	g.mu.RLock()
	valid := g.valid
	g.mu.RUnlock()
	if valid {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.valid {
		return nil
	}

	entities, rels, err := g.store.LoadAll(ctx, g.ownerID, g.profileID)
	if err != nil {
		return err
	}

	entMap := make(map[string]*Entity, len(entities))
	for i := range entities {
		entMap[entities[i].ID] = &entities[i]
	}

	adj := make(map[string][]edge, len(entities))
	for i := range rels {
		r := &rels[i]
		adj[r.SourceID] = append(adj[r.SourceID], edge{neighbor: r.TargetID, rel: r, forward: true})
		adj[r.TargetID] = append(adj[r.TargetID], edge{neighbor: r.SourceID, rel: r, forward: false})
	}

	g.entities = entMap
	g.adjacency = adj
	g.valid = true
	return nil
}

// UpsertEntity writes through to the store and invalidates the cache.
func (g *Graph) UpsertEntity(ctx context.Context, e *Entity) error {
	if err := g.store.UpsertEntity(ctx, e); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// UpsertRelationship writes through to the store and invalidates the cache.
func (g *Graph) UpsertRelationship(ctx context.Context, r *Relationship) error {
	if err := g.store.UpsertRelationship(ctx, r); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// DeleteEntity writes through to the store and invalidates the cache.
func (g *Graph) DeleteEntity(ctx context.Context, entityID string) error {
	if err := g.store.DeleteEntity(ctx, g.ownerID, g.profileID, entityID); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// DeleteRelationship writes through to the store and invalidates the cache.
func (g *Graph) DeleteRelationship(ctx context.Context, relationshipID string) error {
	if err := g.store.DeleteRelationship(ctx, g.ownerID, g.profileID, relationshipID); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// BulkImport writes through to the store and invalidates the cache.
func (g *Graph) BulkImport(ctx context.Context, entities []Entity, rels []Relationship) error {
	if err := g.store.BulkImport(ctx, entities, rels); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// Clear writes through to the store and invalidates the cache.
func (g *Graph) Clear(ctx context.Context) error {
	if err := g.store.Clear(ctx, g.ownerID, g.profileID); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// Entity returns the entity with the given ID, or nil if absent.
func (g *Graph) Entity(ctx context.Context, id string) (*Entity, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entities[id], nil
}

// FindByName returns the entity matching (name, type), or nil if absent.
// The match is case-insensitive so free-text search (which lower-cases its
// query tokens) can find entities stored with their original casing.
func (g *Graph) FindByName(ctx context.Context, name string, typ EntityType) (*Entity, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.entities {
		if strings.EqualFold(e.Name, name) && e.Type == typ {
			return e, nil
		}
	}
	return nil, nil
}

// Statistics summarizes the graph's shape (spec §4.4: component count,
// per-node degree, cycle detection).
type Statistics struct {
	EntityCount       int
	RelationshipCount int
	ComponentCount    int
	HasCycle          bool
	Degree            map[string]int
}

// Statistics computes graph-shape metrics via union-find (component count)
// and a DFS back-edge check (cycle detection) — the teacher's repo carries
// no graph library, so both are hand-rolled directly over the adjacency map.
func (g *Graph) Statistics(ctx context.Context) (*Statistics, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := &Statistics{
		EntityCount: len(g.entities),
		Degree:      make(map[string]int, len(g.entities)),
	}

	uf := newUnionFind()
	for id := range g.entities {
		uf.add(id)
	}

	relSeen := make(map[string]bool)
	for id, edges := range g.adjacency {
		stats.Degree[id] = len(edges)
		for _, e := range edges {
			uf.union(id, e.neighbor)
			if e.forward {
				relSeen[e.rel.ID] = true
			}
		}
	}
	stats.RelationshipCount = len(relSeen)
	stats.ComponentCount = uf.countRoots()
	stats.HasCycle = g.hasCycleLocked()

	return stats, nil
}

// hasCycleLocked runs a DFS over the undirected adjacency looking for a
// back edge to an ancestor other than the node it was just reached from.
// g.mu must be held by the caller.
func (g *Graph) hasCycleLocked() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.entities))
	for id := range g.entities {
		color[id] = white
	}

	var visit func(node, parentEdge string) bool
	visit = func(node, parentEdge string) bool {
		color[node] = gray
		for _, e := range g.adjacency[node] {
			if e.rel.ID == parentEdge {
				continue // skip the edge we arrived on, not its reverse twin
			}
			switch color[e.neighbor] {
			case white:
				if visit(e.neighbor, e.rel.ID) {
					return true
				}
			case gray:
				return true
			}
		}
		color[node] = black
		return false
	}

	for id := range g.entities {
		if color[id] == white {
			if visit(id, "") {
				return true
			}
		}
	}
	return false
}
