package retrieval

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proethica/proethica/graph"
	"github.com/proethica/proethica/store"
)

func scored(ids ...int64) []store.ScoredEntity {
	out := make([]store.ScoredEntity, len(ids))
	for i, id := range ids {
		out[i] = store.ScoredEntity{Entity: store.Entity{ID: id, ExtractionType: "roles"}}
	}
	return out
}

func TestFuseRRF(t *testing.T) {
	results := fuseRRF([]ranked{
		{method: MethodVector, weight: 1.0, results: scored(1, 2)},
		{method: MethodFTS, weight: 1.0, results: scored(2, 3)},
		{method: MethodGraph, weight: 0.5, results: scored(1)},
	}, 10)
	require.Len(t, results, 3)

	// 2: 1/62 + 1/61; 1: 1/61 + 0.5/61; 3: 1/62.
	assert.Equal(t, int64(2), results[0].ID)
	assert.Equal(t, int64(1), results[1].ID)
	assert.Equal(t, int64(3), results[2].ID)
	assert.InDelta(t, 1.0/62+1.0/61, results[0].Score, 1e-9)
	assert.InDelta(t, 1.5/61, results[1].Score, 1e-9)
	assert.InDelta(t, 1.0/62, results[2].Score, 1e-9)

	assert.Equal(t, []string{MethodVector, MethodGraph}, results[1].Methods)
	assert.Equal(t, 1, results[1].VecRank)
	assert.Equal(t, 1, results[1].GraphRank)
	assert.Zero(t, results[1].FTSRank)
}

func TestFuseRRFLimitAndTies(t *testing.T) {
	results := fuseRRF([]ranked{
		{method: MethodFTS, weight: 1, results: scored(5)},
		{method: MethodVector, weight: 1, results: scored(6)},
	}, 1)
	require.Len(t, results, 1)
	assert.Equal(t, int64(5), results[0].ID, "ties keep first-seen order")

	assert.Empty(t, fuseRRF(nil, 10))
}

func TestResultJSON(t *testing.T) {
	r := fuseRRF([]ranked{{method: MethodFTS, weight: 1, results: scored(9)}}, 5)[0]
	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, float64(9), m["id"])
	assert.Equal(t, []any{"fts"}, m["methods"])
	assert.Equal(t, float64(1), m["fts_rank"])
	assert.Contains(t, m, "score")
}

func TestSeedsOf(t *testing.T) {
	got := seedsOf(scored(1, 2, 3), scored(2, 4), 3)
	ids := make([]int64, len(got))
	for i, s := range got {
		ids[i] = s.ID
	}
	if diff := cmp.Diff([]int64{1, 2, 4}, ids); diff != "" {
		t.Errorf("seedsOf mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterTypes(t *testing.T) {
	in := []store.ScoredEntity{
		{Entity: store.Entity{ID: 1, ExtractionType: "roles"}},
		{Entity: store.Entity{ID: 2, ExtractionType: "actions"}},
	}
	assert.Len(t, filterTypes(in, nil), 2)
	out := filterTypes(in, []string{"actions"})
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].ID)
	assert.Len(t, in, 2)
}

func TestSortHops(t *testing.T) {
	hops := []graph.Hop{{ID: 1, Depth: 2}, {ID: 2, Depth: 1}, {ID: 3, Depth: 1}}
	sortHops(hops, map[int64]int{2: 1, 3: 4})
	assert.Equal(t, []graph.Hop{{ID: 3, Depth: 1}, {ID: 2, Depth: 1}, {ID: 1, Depth: 2}}, hops)
}

func TestDefaultConfig(t *testing.T) {
	e := New(nil, nil, Config{})
	assert.Equal(t, DefaultConfig(), e.cfg)
}
