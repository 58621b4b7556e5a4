package kg

import "context"

// ShortestPath returns the undirected BFS shortest path from fromID to
// toID as a slice of entity IDs (inclusive of both endpoints), or nil if
// no path exists.
func (g *Graph) ShortestPath(ctx context.Context, fromID, toID string) ([]string, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if fromID == toID {
		if _, ok := g.entities[fromID]; ok {
			return []string{fromID}, nil
		}
		return nil, nil
	}

	prev := map[string]string{fromID: ""}
	queue := []string{fromID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == toID {
			return reconstructPath(prev, toID), nil
		}
		for _, e := range g.adjacency[cur] {
			if _, seen := prev[e.neighbor]; seen {
				continue
			}
			prev[e.neighbor] = cur
			queue = append(queue, e.neighbor)
		}
	}
	return nil, nil
}

func reconstructPath(prev map[string]string, toID string) []string {
	var path []string
	for node := toID; node != ""; node = prev[node] {
		path = append([]string{node}, path...)
		if prev[node] == "" {
			break
		}
	}
	return path
}

// Ancestors returns every entity reachable from id by following directional
// relationship edges backward (i.e. nodes that id is a descendant of, per
// RelationshipType.directional — contains, is_a, depends_on).
func (g *Graph) Ancestors(ctx context.Context, id string) ([]string, error) {
	return g.directionalBFS(ctx, id, false)
}

// Descendants returns every entity reachable from id by following
// directional relationship edges forward.
func (g *Graph) Descendants(ctx context.Context, id string) ([]string, error) {
	return g.directionalBFS(ctx, id, true)
}

// directionalBFS walks only edges whose relationship type is directional,
// in the given direction: forward (id is the edge's SourceID) for
// Descendants, backward (id is the edge's TargetID) for Ancestors.
func (g *Graph) directionalBFS(ctx context.Context, id string, forward bool) ([]string, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{id: true}
	queue := []string{id}
	var out []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.adjacency[cur] {
			if !e.rel.Type.directional() {
				continue
			}
			// e.forward true means cur == e.rel.SourceID, i.e. cur -> neighbor.
			if e.forward != forward {
				continue
			}
			if visited[e.neighbor] {
				continue
			}
			visited[e.neighbor] = true
			out = append(out, e.neighbor)
			queue = append(queue, e.neighbor)
		}
	}
	return out, nil
}
