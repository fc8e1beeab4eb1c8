package retrieval

import (
	"encoding/json"
	"sort"

	"github.com/proethica/proethica/store"
)

const rrfK = 60

// Methods of a fused result.
const (
	MethodVector = "vector"
	MethodFTS    = "fts"
	MethodGraph  = "graph"
)

// Contribution records which methods ranked a result, and where.
type Contribution struct {
	Methods   []string `json:"methods"`
	VecRank   int      `json:"vec_rank,omitempty"`   // 1-based, 0 = not present
	FTSRank   int      `json:"fts_rank,omitempty"`   // 1-based, 0 = not present
	GraphRank int      `json:"graph_rank,omitempty"` // 1-based, 0 = not present
}

// Result is a fused search hit.
type Result struct {
	store.ScoredEntity
	Contribution
}

type ranked struct {
	method  string
	weight  float64
	results []store.ScoredEntity
}

// fuseRRF combines ranked lists with Reciprocal Rank Fusion:
// score = sum(weight_i / (k + rank_i)). Ties keep first-seen order.
func fuseRRF(lists []ranked, maxResults int) []Result {
	type fusedEntry struct {
		result Result
		score  float64
		order  int
	}

	fused := make(map[int64]*fusedEntry)
	for _, l := range lists {
		for rank, r := range l.results {
			entry, ok := fused[r.ID]
			if !ok {
				entry = &fusedEntry{result: Result{ScoredEntity: r}, order: len(fused)}
				fused[r.ID] = entry
			}
			entry.score += l.weight / float64(rrfK+rank+1)
			c := &entry.result.Contribution
			c.Methods = append(c.Methods, l.method)
			switch l.method {
			case MethodVector:
				c.VecRank = rank + 1
			case MethodFTS:
				c.FTSRank = rank + 1
			case MethodGraph:
				c.GraphRank = rank + 1
			}
		}
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	out := make([]Result, len(entries))
	for i, e := range entries {
		out[i] = e.result
		out[i].Score = e.score
	}
	return out
}

// MarshalJSON adds the contribution fields to the inlined entity.
func (r Result) MarshalJSON() ([]byte, error) {
	raw, err := r.ScoredEntity.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	extra, err := json.Marshal(r.Contribution)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(extra, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
