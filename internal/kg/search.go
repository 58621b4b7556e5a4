package kg

import (
	"context"
	"strings"
)

// seedCandidateTypes is the fixed set of entity types a free-text query
// word is matched against to discover subgraph seeds (spec §4.4.2 leaves
// exact seed derivation unspecified; FindByName requires an exact type, so
// every type worth grounding a query in is tried).
var seedCandidateTypes = []EntityType{
	EntityTable, EntityColumn, EntityBusinessConcept,
	EntityMetric, EntityTaxonomy, EntityDomain,
}

// maxSeedWords bounds how many query words are checked against the graph.
const maxSeedWords = 12

// DefaultSearchMaxNodes bounds SearchContext when the caller has no
// override (spec §4.4.1's adaptive extraction default).
const DefaultSearchMaxNodes = 40

// SearchContext resolves a free-text query to subgraph seeds by matching
// tokenized words against entity names, extracts the subgraph rooted at
// those seeds, and renders it to text (spec §4.4.2). Returns "" if nothing
// in the graph matches.
func (g *Graph) SearchContext(ctx context.Context, query string, maxNodes int) (string, error) {
	if maxNodes <= 0 {
		maxNodes = DefaultSearchMaxNodes
	}
	seeds, err := g.findSeeds(ctx, query)
	if err != nil {
		return "", err
	}
	if len(seeds) == 0 {
		return "", nil
	}
	sub, err := g.ExtractSubgraph(ctx, SubgraphRequest{SeedIDs: seeds, MaxNodes: maxNodes})
	if err != nil {
		return "", err
	}
	return RenderContext(sub), nil
}

func (g *Graph) findSeeds(ctx context.Context, query string) ([]string, error) {
	words := tokenizeQuery(query)
	if len(words) > maxSeedWords {
		words = words[:maxSeedWords]
	}

	var seeds []string
	for _, w := range words {
		for _, t := range seedCandidateTypes {
			e, err := g.FindByName(ctx, w, t)
			if err != nil {
				return nil, err
			}
			if e != nil {
				seeds = append(seeds, e.ID)
			}
		}
	}
	return seeds, nil
}

func tokenizeQuery(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}
