package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"

	"github.com/relaymesh/conduit/internal/kg"
	"github.com/relaymesh/conduit/internal/runtime"
	"github.com/relaymesh/conduit/internal/session"
)

// isKnowledgeGuided reports whether a profile participates in knowledge
// graph context assembly and upsert (spec §4.9 step 11: "If KG-guided").
// knowledge_config is the only per-profile signal the data model offers for
// this, the same way rag_config signals rag-focused behavior.
func isKnowledgeGuided(active *runtime.ActiveContext) bool {
	return active.Profile.KnowledgeConfig != nil
}

// kgContextFor renders the knowledge graph context block for a query, or
// "" if the profile isn't KG-guided, no store is configured, or nothing in
// the graph matches.
func (o *Orchestrator) kgContextFor(ctx context.Context, active *runtime.ActiveContext, query string) string {
	if o.KGStore == nil || !isKnowledgeGuided(active) {
		return ""
	}
	g := o.graphFor(active.Profile.OwnerID, active.Profile.ID)

	maxNodes := kg.DefaultSearchMaxNodes
	if n, ok := active.Profile.KnowledgeConfig["max_nodes"].(float64); ok && n > 0 {
		maxNodes = int(n)
	}

	rendered, err := g.SearchContext(ctx, query, maxNodes)
	if err != nil {
		log.Warn("search knowledge graph context failed", "owner", active.Profile.OwnerID, "profile", active.Profile.ID, "err", err)
		return ""
	}
	return rendered
}

// kgUpsertPayload is the opt-in convention a tool's result can carry to
// populate the knowledge graph (spec §4.9 step 11), mirroring the
// render_payload convention internal/executor/canvas.go uses for component
// rendering: a tool need not know about the graph store at all, it just
// emits this shape and the orchestrator does the writing.
type kgUpsertPayload struct {
	Entities      []kgEntityInput       `json:"kg_entities"`
	Relationships []kgRelationshipInput `json:"kg_relationships"`
}

type kgEntityInput struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

type kgRelationshipInput struct {
	Source      string         `json:"source"`
	SourceType  string         `json:"source_type"`
	Target      string         `json:"target"`
	TargetType  string         `json:"target_type"`
	Type        string         `json:"type"`
	Cardinality string         `json:"cardinality"`
	Metadata    map[string]any `json:"metadata"`
}

// upsertFromTrace best-effort-populates the knowledge graph from a turn's
// successful tool results (spec §4.9 step 11: "failures logged, do not
// fail the turn"). Tool results that don't carry a kg_entities/
// kg_relationships payload are silently skipped.
func (o *Orchestrator) upsertFromTrace(ctx context.Context, ownerID, profileID string, active *runtime.ActiveContext, trace []session.ActionOutcome) error {
	if o.KGStore == nil || !isKnowledgeGuided(active) {
		return nil
	}
	g := o.graphFor(ownerID, profileID)

	var firstErr error
	for _, outcome := range trace {
		if outcome.Output.Status != "success" {
			continue
		}
		for _, raw := range outcome.Output.Results {
			var payload kgUpsertPayload
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				continue
			}
			if len(payload.Entities) == 0 && len(payload.Relationships) == 0 {
				continue
			}
			if err := o.applyKGUpsert(ctx, g, ownerID, profileID, payload); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) applyKGUpsert(ctx context.Context, g *kg.Graph, ownerID, profileID string, payload kgUpsertPayload) error {
	byNameType := make(map[string]string) // "name/type" -> entity ID, for relationship resolution within this payload

	var firstErr error
	for _, e := range payload.Entities {
		if e.Name == "" || e.Type == "" {
			continue
		}
		entity := &kg.Entity{
			OwnerID:    ownerID,
			ProfileID:  profileID,
			Name:       e.Name,
			Type:       kg.EntityType(e.Type),
			Properties: e.Properties,
			Source:     "tool_result",
		}
		if err := g.UpsertEntity(ctx, entity); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		byNameType[e.Name+"/"+e.Type] = entity.ID
	}

	for _, r := range payload.Relationships {
		if r.Source == "" || r.Target == "" || r.Type == "" {
			continue
		}
		sourceID, err := o.resolveEntityID(ctx, g, byNameType, ownerID, profileID, r.Source, r.SourceType)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		targetID, err := o.resolveEntityID(ctx, g, byNameType, ownerID, profileID, r.Target, r.TargetType)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if sourceID == "" || targetID == "" {
			continue
		}
		rel := &kg.Relationship{
			OwnerID:     ownerID,
			ProfileID:   profileID,
			SourceID:    sourceID,
			TargetID:    targetID,
			Type:        kg.RelationshipType(r.Type),
			Cardinality: r.Cardinality,
			Metadata:    r.Metadata,
			Source:      "tool_result",
		}
		if err := g.UpsertRelationship(ctx, rel); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveEntityID finds the ID for a relationship endpoint named in this
// same payload first, falling back to a graph lookup for an entity that
// already existed before this turn.
func (o *Orchestrator) resolveEntityID(ctx context.Context, g *kg.Graph, byNameType map[string]string, ownerID, profileID, name, typ string) (string, error) {
	if id, ok := byNameType[name+"/"+typ]; ok {
		return id, nil
	}
	e, err := g.FindByName(ctx, name, kg.EntityType(typ))
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", nil
	}
	return e.ID, nil
}
