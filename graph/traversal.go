package graph

import (
	"context"
	"fmt"

	"github.com/proethica/proethica/store"
)

// Hop is a node reached by traversal and its distance from the nearest seed.
type Hop struct {
	ID    int64 `json:"id"`
	Depth int   `json:"depth"`
}

// Neighbourhood walks links in both directions from the seeds up to maxDepth
// hops. Seeds come first at depth 0; the rest follow in BFS order. Seeds not
// in the graph are ignored.
func (g *Graph) Neighbourhood(seeds []int64, maxDepth int) []Hop {
	if len(seeds) == 0 || maxDepth < 0 {
		return nil
	}

	visited := make(map[int64]bool)
	var out []Hop
	queue := make([]int64, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := g.index[id]; !ok || visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, id)
		out = append(out, Hop{ID: id})
	}

	for depth := 1; depth <= maxDepth && len(queue) > 0; depth++ {
		var next []int64
		for _, id := range queue {
			for _, nid := range g.neighbours[id] {
				if !visited[nid] {
					visited[nid] = true
					next = append(next, nid)
					out = append(out, Hop{ID: nid, Depth: depth})
				}
			}
		}
		queue = next
	}
	return out
}

// Traverse finds the entities matching query in a case and returns their
// neighbourhood, excluding the seeds themselves.
func Traverse(ctx context.Context, s *store.Store, caseID int64, query string, maxDepth int) ([]store.Entity, error) {
	seeds, err := s.SearchEntities(ctx, query, caseID, 10)
	if err != nil {
		return nil, fmt.Errorf("graph.Traverse: looking up seed entities: %w", err)
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	g, err := Load(ctx, s, caseID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(seeds))
	for i, e := range seeds {
		ids[i] = e.ID
	}

	var found []int64
	for _, h := range g.Neighbourhood(ids, maxDepth) {
		if h.Depth > 0 {
			found = append(found, h.ID)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}

	entities, err := s.GetEntitiesByIDs(ctx, found)
	if err != nil {
		return nil, fmt.Errorf("graph.Traverse: loading neighbours: %w", err)
	}
	byID := make(map[int64]store.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	out := make([]store.Entity, 0, len(found))
	for _, id := range found {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
