// Package retrieval searches extracted entities by fusing full-text, vector
// and graph-neighbourhood rankings.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/proethica/proethica/chunker"
	"github.com/proethica/proethica/graph"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/metrics"
	"github.com/proethica/proethica/store"
)

// Config holds retrieval engine configuration.
type Config struct {
	WeightVector float64 `yaml:"weight_vector" json:"weight_vector"`
	WeightFTS    float64 `yaml:"weight_fts" json:"weight_fts"`
	WeightGraph  float64 `yaml:"weight_graph" json:"weight_graph"`
	GraphDepth   int     `yaml:"graph_depth" json:"graph_depth"`
}

// DefaultConfig returns the default fusion weights.
func DefaultConfig() Config {
	return Config{WeightVector: 1.0, WeightFTS: 1.0, WeightGraph: 0.5, GraphDepth: 1}
}

// Options configures a single search.
type Options struct {
	CaseID     int64    `json:"case_id"`
	Types      []string `json:"types,omitempty"`
	MaxResults int      `json:"max_results"`
}

// Trace records the breakdown of one search.
type Trace struct {
	VecResults        int     `json:"vec_results"`
	FTSResults        int     `json:"fts_results"`
	GraphResults      int     `json:"graph_results"`
	FusedResults      int     `json:"fused_results"`
	VecWeight         float64 `json:"vec_weight"`
	FTSWeight         float64 `json:"fts_weight"`
	GraphWeight       float64 `json:"graph_weight"`
	ProvisionDetected bool    `json:"provision_detected"`
	ElapsedMs         int64   `json:"elapsed_ms"`
}

// Engine performs hybrid entity retrieval.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a retrieval engine. embedder may be nil, which disables the
// vector ranking.
func New(s *store.Store, embedder llm.Provider, cfg Config) *Engine {
	d := DefaultConfig()
	if cfg.WeightVector == 0 && cfg.WeightFTS == 0 && cfg.WeightGraph == 0 {
		cfg.WeightVector, cfg.WeightFTS, cfg.WeightGraph = d.WeightVector, d.WeightFTS, d.WeightGraph
	}
	if cfg.GraphDepth <= 0 {
		cfg.GraphDepth = d.GraphDepth
	}
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// Search runs the full-text, vector and graph rankings concurrently and
// fuses them. A method that fails is logged and skipped; an error is
// returned only when nothing was found and some method failed.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, *Trace, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &Trace{}, nil
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}

	trace := &Trace{
		VecWeight:   e.cfg.WeightVector,
		FTSWeight:   e.cfg.WeightFTS,
		GraphWeight: e.cfg.WeightGraph,
	}

	// Code provision references are exact identifiers; prefer text matches.
	if len(chunker.ProvisionCodes(query)) > 0 {
		trace.ProvisionDetected = true
		trace.FTSWeight *= 2.0
		trace.VecWeight *= 0.5
		slog.Debug("retrieval: provision code in query, boosting FTS weight", "query", query)
	}

	start := time.Now()

	type result struct {
		results []store.ScoredEntity
		err     error
	}
	vecCh := make(chan result, 1)
	ftsCh := make(chan result, 1)

	go func() {
		r, err := e.vectorSearch(ctx, query, opts)
		vecCh <- result{r, err}
	}()
	go func() {
		r, err := e.store.SearchEntities(ctx, query, opts.CaseID, opts.MaxResults*2)
		ftsCh <- result{filterTypes(r, opts.Types), err}
	}()

	vecRes := <-vecCh
	ftsRes := <-ftsCh
	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "error", vecRes.err)
	}
	if ftsRes.err != nil {
		slog.Warn("retrieval: full-text search failed", "error", ftsRes.err)
	}

	// Graph ranking expands from the best text and vector hits.
	graphRes, graphErr := e.graphSearch(ctx, seedsOf(ftsRes.results, vecRes.results, 5), opts)
	if graphErr != nil {
		slog.Warn("retrieval: graph search failed", "error", graphErr)
	}

	trace.VecResults = len(vecRes.results)
	trace.FTSResults = len(ftsRes.results)
	trace.GraphResults = len(graphRes)

	fused := fuseRRF([]ranked{
		{method: MethodVector, weight: trace.VecWeight, results: vecRes.results},
		{method: MethodFTS, weight: trace.FTSWeight, results: ftsRes.results},
		{method: MethodGraph, weight: trace.GraphWeight, results: graphRes},
	}, opts.MaxResults)
	trace.FusedResults = len(fused)
	trace.ElapsedMs = time.Since(start).Milliseconds()
	metrics.SearchDuration.Observe(time.Since(start).Seconds())

	slog.Debug("retrieval: search complete",
		"vec_results", trace.VecResults, "fts_results", trace.FTSResults,
		"graph_results", trace.GraphResults, "fused", trace.FusedResults,
		"elapsed", time.Since(start).Round(time.Millisecond))

	if len(fused) == 0 {
		switch {
		case ftsRes.err != nil:
			return nil, trace, fmt.Errorf("retrieval: full-text search: %w", ftsRes.err)
		case vecRes.err != nil:
			return nil, trace, fmt.Errorf("retrieval: vector search: %w", vecRes.err)
		case graphErr != nil:
			return nil, trace, fmt.Errorf("retrieval: graph search: %w", graphErr)
		}
	}
	return fused, trace, nil
}

// vectorSearch embeds the query and searches entity vectors.
func (e *Engine) vectorSearch(ctx context.Context, query string, opts Options) ([]store.ScoredEntity, error) {
	if e.embedder == nil || !e.store.HasVectors() {
		return nil, nil
	}
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return e.store.NearestEntities(ctx, opts.CaseID, opts.Types, embeddings[0], opts.MaxResults*2)
}

// graphSearch ranks the neighbours of the seeds by hop distance, then by
// degree. Seeds are excluded; they are already ranked by the other methods.
func (e *Engine) graphSearch(ctx context.Context, seeds []store.ScoredEntity, opts Options) ([]store.ScoredEntity, error) {
	if len(seeds) == 0 {
		return nil, nil
	}

	byCase := make(map[int64][]int64)
	var cases []int64
	for _, s := range seeds {
		if _, ok := byCase[s.CaseID]; !ok {
			cases = append(cases, s.CaseID)
		}
		byCase[s.CaseID] = append(byCase[s.CaseID], s.ID)
	}

	var hops []graph.Hop
	degree := make(map[int64]int)
	for _, caseID := range cases {
		g, err := graph.Load(ctx, e.store, caseID)
		if err != nil {
			return nil, err
		}
		for _, h := range g.Neighbourhood(byCase[caseID], e.cfg.GraphDepth) {
			if h.Depth == 0 {
				continue
			}
			n, _ := g.Node(h.ID)
			degree[h.ID] = n.Degree
			hops = append(hops, h)
		}
	}
	if len(hops) == 0 {
		return nil, nil
	}

	sortHops(hops, degree)
	if len(hops) > opts.MaxResults*2 {
		hops = hops[:opts.MaxResults*2]
	}
	ids := make([]int64, len(hops))
	for i, h := range hops {
		ids[i] = h.ID
	}
	entities, err := e.store.GetEntitiesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Entity, len(entities))
	for _, en := range entities {
		byID[en.ID] = en
	}

	out := make([]store.ScoredEntity, 0, len(hops))
	for _, h := range hops {
		en, ok := byID[h.ID]
		if !ok {
			continue
		}
		out = append(out, store.ScoredEntity{Entity: en, Score: 1 / float64(1+h.Depth)})
	}
	return filterTypes(out, opts.Types), nil
}
