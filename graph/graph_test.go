package graph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/synthesis"
)

// 1 role <- 2 obligation -> 3 principle; 4 action -> 1; 5 decision point -> 4; 6 isolated.
func fixture() *Graph {
	entities := []store.Entity{
		{ID: 1, ExtractionType: extraction.TypeRoles, Label: "Engineer A"},
		{ID: 2, ExtractionType: extraction.TypeObligations, Label: "Report hazards"},
		{ID: 3, ExtractionType: extraction.TypePrinciples, Label: "Public safety"},
		{ID: 4, ExtractionType: extraction.TypeActions, Label: "Delay report"},
		{ID: 5, ExtractionType: synthesis.TypeDecisionPoint, Label: "Whether to report"},
		{ID: 6, ExtractionType: extraction.TypeEvents, Label: "Inspection"},
	}
	links := []store.Link{
		{SourceID: 2, TargetID: 1, Relation: "applies_to", Weight: 1},
		{SourceID: 2, TargetID: 3, Relation: "guided_by", Weight: 1},
		{SourceID: 4, TargetID: 1, Relation: "performed_by", Weight: 1},
		{SourceID: 5, TargetID: 4, Relation: "option", Weight: 1},
		{SourceID: 5, TargetID: 99, Relation: "cites", Weight: 1},
	}
	return Build(7, entities, links)
}

func TestBuild(t *testing.T) {
	g := fixture()
	assert.Equal(t, int64(7), g.CaseID)
	assert.Len(t, g.Nodes, 6)
	assert.Len(t, g.Edges, 4, "dangling link dropped")

	n, ok := g.Node(1)
	require.True(t, ok)
	assert.Equal(t, 2, n.Degree)
	assert.Equal(t, "contextual", n.Step)

	dp, _ := g.Node(5)
	assert.Equal(t, "decision_points", dp.Step)

	_, ok = g.Node(42)
	assert.False(t, ok)

	assert.Equal(t, 1, g.TypeCounts()[extraction.TypeRoles])
	hubs := g.Hubs(2)
	require.Len(t, hubs, 2)
	assert.Equal(t, 2, hubs[0].Degree)
}

func TestNeighbourhood(t *testing.T) {
	g := fixture()

	tests := []struct {
		name  string
		seeds []int64
		depth int
		want  []Hop
	}{
		{"seed only", []int64{3}, 0, []Hop{{ID: 3}}},
		{"one hop", []int64{3}, 1, []Hop{{ID: 3}, {ID: 2, Depth: 1}}},
		{"three hops", []int64{3}, 3, []Hop{{ID: 3}, {ID: 2, Depth: 1}, {ID: 1, Depth: 2}, {ID: 4, Depth: 3}}},
		{"isolated", []int64{6}, 5, []Hop{{ID: 6}}},
		{"unknown seed", []int64{42}, 2, nil},
		{"duplicate seeds", []int64{5, 5}, 1, []Hop{{ID: 5}, {ID: 4, Depth: 1}}},
		{"negative depth", []int64{1}, -1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, g.Neighbourhood(tt.seeds, tt.depth)); diff != "" {
				t.Errorf("Neighbourhood mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubgraph(t *testing.T) {
	sub := fixture().Subgraph([]int64{1, 2, 4})
	assert.Len(t, sub.Nodes, 3)
	assert.Len(t, sub.Edges, 2)
	n, _ := sub.Node(1)
	assert.Equal(t, 2, n.Degree)
}
