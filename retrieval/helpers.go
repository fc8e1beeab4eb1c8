package retrieval

import (
	"slices"
	"sort"

	"github.com/proethica/proethica/graph"
	"github.com/proethica/proethica/store"
)

// filterTypes keeps results of the given extraction types. No types keeps all.
func filterTypes(results []store.ScoredEntity, types []string) []store.ScoredEntity {
	if len(types) == 0 {
		return results
	}
	out := results[:0:0]
	for _, r := range results {
		if slices.Contains(types, r.ExtractionType) {
			out = append(out, r)
		}
	}
	return out
}

// seedsOf interleaves the heads of the ranked lists, skipping duplicates,
// until n seeds are collected.
func seedsOf(a, b []store.ScoredEntity, n int) []store.ScoredEntity {
	seen := make(map[int64]bool)
	var out []store.ScoredEntity
	for i := 0; len(out) < n && (i < len(a) || i < len(b)); i++ {
		for _, l := range [][]store.ScoredEntity{a, b} {
			if i < len(l) && !seen[l[i].ID] && len(out) < n {
				seen[l[i].ID] = true
				out = append(out, l[i])
			}
		}
	}
	return out
}

// sortHops orders hops by depth, then by degree descending. Ties keep BFS
// order.
func sortHops(hops []graph.Hop, degree map[int64]int) {
	sort.SliceStable(hops, func(i, j int) bool {
		if hops[i].Depth != hops[j].Depth {
			return hops[i].Depth < hops[j].Depth
		}
		return degree[hops[i].ID] > degree[hops[j].ID]
	})
}
