// Package kg implements the per-profile Knowledge Graph store (spec §4.4):
// a durable relational layer (modernc.org/sqlite, cgo-free) backing a
// lazily-rebuilt in-memory adjacency graph, adaptive subgraph extraction
// for planner enrichment, and structured text rendering of a subgraph for
// LLM context. No graph library exists anywhere in the retrieval corpus, so
// the traversal algorithms here are a hand-rolled adjacency-list BFS/DFS —
// see DESIGN.md for the grounding note.
package kg

import "time"

// EntityType enumerates the KGEntity.Type domain (spec §3).
type EntityType string

const (
	EntityDatabase        EntityType = "database"
	EntityTable           EntityType = "table"
	EntityColumn          EntityType = "column"
	EntityForeignKey      EntityType = "foreign_key"
	EntityBusinessConcept EntityType = "business_concept"
	EntityTaxonomy        EntityType = "taxonomy"
	EntityMetric          EntityType = "metric"
	EntityDomain          EntityType = "domain"
)

// structuralTypes are the types the FK-chain BFS (phase 1a) is allowed to
// traverse through; everything else is semantic context, added later.
var structuralTypes = map[EntityType]bool{
	EntityTable:      true,
	EntityForeignKey: true,
}

// semanticTypes are the types phase 3 (semantic enrichment) is allowed to pull in.
var semanticTypes = map[EntityType]bool{
	EntityBusinessConcept: true,
	EntityMetric:          true,
	EntityTaxonomy:        true,
	EntityDomain:          true,
}

// RelationshipType enumerates the KGRelationship.Type domain (spec §3).
type RelationshipType string

const (
	RelContains    RelationshipType = "contains"
	RelForeignKey  RelationshipType = "foreign_key"
	RelIsA         RelationshipType = "is_a"
	RelHasProperty RelationshipType = "has_property"
	RelMeasures    RelationshipType = "measures"
	RelDerivesFrom RelationshipType = "derives_from"
	RelDependsOn   RelationshipType = "depends_on"
	RelRelatesTo   RelationshipType = "relates_to"
)

// Entity is a node in the per-(owner,profile) knowledge graph (spec §3).
// Unique per (owner_id, profile_id, name, type).
type Entity struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	ProfileID string         `json:"profile_id"`
	Name      string         `json:"name"`
	Type      EntityType     `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Source    string         `json:"source,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Relationship is a directed edge between two entities (spec §3). Unique
// per (owner_id, profile_id, source_id, target_id, type). Deleting an
// entity cascades relationships that reference it.
type Relationship struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	ProfileID   string            `json:"profile_id"`
	SourceID    string            `json:"source_id"`
	TargetID    string            `json:"target_id"`
	Type        RelationshipType  `json:"type"`
	Cardinality string            `json:"cardinality,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Source      string            `json:"source,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// directional reports whether edges of this type should be traversed as
// directed (for Ancestors/Descendants) rather than undirected (for
// ShortestPath and the FK-chain BFS).
func (t RelationshipType) directional() bool {
	switch t {
	case RelContains, RelIsA, RelDependsOn:
		return true
	default:
		return false
	}
}
