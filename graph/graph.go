// Package graph assembles the entities and links of a case into a graph for
// visualization and neighbourhood traversal.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/proethica/proethica/pipeline"
	"github.com/proethica/proethica/store"
)

// Node is one entity of the case graph.
type Node struct {
	ID         int64   `json:"id"`
	Label      string  `json:"label"`
	Type       string  `json:"type"`
	Step       string  `json:"step,omitempty"`
	Definition string  `json:"definition,omitempty"`
	Confidence float64 `json:"confidence"`
	Reviewed   bool    `json:"reviewed"`
	Degree     int     `json:"degree"`
}

// Edge is one link between two nodes.
type Edge struct {
	Source   int64   `json:"source"`
	Target   int64   `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// Graph is the entity graph of one case.
type Graph struct {
	CaseID int64  `json:"case_id"`
	Nodes  []Node `json:"nodes"`
	Edges  []Edge `json:"edges"`

	index      map[int64]int
	neighbours map[int64][]int64
}

// Build assembles a graph. Links whose endpoints are not among the entities
// are dropped.
func Build(caseID int64, entities []store.Entity, links []store.Link) *Graph {
	g := &Graph{
		CaseID:     caseID,
		Nodes:      make([]Node, 0, len(entities)),
		Edges:      make([]Edge, 0, len(links)),
		index:      make(map[int64]int, len(entities)),
		neighbours: make(map[int64][]int64),
	}
	for _, e := range entities {
		n := Node{
			ID:         e.ID,
			Label:      e.Label,
			Type:       e.ExtractionType,
			Definition: e.Definition,
			Confidence: e.Confidence,
			Reviewed:   e.IsReviewed,
		}
		if st, ok := pipeline.StepOfType(e.ExtractionType); ok {
			n.Step = st.ID
		}
		g.index[e.ID] = len(g.Nodes)
		g.Nodes = append(g.Nodes, n)
	}
	for _, l := range links {
		si, okS := g.index[l.SourceID]
		ti, okT := g.index[l.TargetID]
		if !okS || !okT {
			continue
		}
		g.Edges = append(g.Edges, Edge{Source: l.SourceID, Target: l.TargetID, Relation: l.Relation, Weight: l.Weight})
		g.neighbours[l.SourceID] = append(g.neighbours[l.SourceID], l.TargetID)
		g.neighbours[l.TargetID] = append(g.neighbours[l.TargetID], l.SourceID)
		g.Nodes[si].Degree++
		g.Nodes[ti].Degree++
	}
	return g
}

// Load reads a case from the store and builds its graph.
func Load(ctx context.Context, s *store.Store, caseID int64) (*Graph, error) {
	entities, err := s.ListEntities(ctx, store.EntityFilter{CaseID: caseID})
	if err != nil {
		return nil, fmt.Errorf("graph.Load: listing entities: %w", err)
	}
	links, err := s.ListLinks(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("graph.Load: listing links: %w", err)
	}
	return Build(caseID, entities, links), nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id int64) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// Subgraph keeps only the given nodes and the edges between them.
func (g *Graph) Subgraph(ids []int64) *Graph {
	keep := make(map[int64]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var entities []store.Entity
	for _, n := range g.Nodes {
		if keep[n.ID] {
			entities = append(entities, store.Entity{
				ID: n.ID, CaseID: g.CaseID, ExtractionType: n.Type, Label: n.Label,
				Definition: n.Definition, Confidence: n.Confidence, IsReviewed: n.Reviewed,
			})
		}
	}
	var links []store.Link
	for _, e := range g.Edges {
		if keep[e.Source] && keep[e.Target] {
			links = append(links, store.Link{SourceID: e.Source, TargetID: e.Target, Relation: e.Relation, Weight: e.Weight})
		}
	}
	return Build(g.CaseID, entities, links)
}

// TypeCounts returns the number of nodes per extraction type.
func (g *Graph) TypeCounts() map[string]int {
	out := make(map[string]int)
	for _, n := range g.Nodes {
		out[n.Type]++
	}
	return out
}

// Hubs returns up to n nodes ordered by degree, highest first.
func (g *Graph) Hubs(n int) []Node {
	out := append([]Node(nil), g.Nodes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Degree > out[j].Degree })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
