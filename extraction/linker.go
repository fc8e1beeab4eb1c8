package extraction

import (
	"context"
	"log/slog"
	"strings"

	"github.com/proethica/proethica/chunker"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/store"
)

// Link resolution methods, recorded on each grounded reference.
const (
	MethodExact   = "exact"
	MethodJaccard = "jaccard"
	MethodVector  = "vector"
	MethodCode    = "code"
	MethodNumber  = "number"
)

// VectorIndex finds case entities near an embedding.
type VectorIndex interface {
	NearestEntities(ctx context.Context, caseID int64, types []string, query []float32, k int) ([]store.ScoredEntity, error)
}

// LinkOptions configures a Linker. Embedder and Index are optional; vector
// matching is skipped unless both are set.
type LinkOptions struct {
	Jaccard    float64
	Similarity float64
	Embedder   llm.Provider
	Index      VectorIndex
}

// Linker grounds label references to entities of one case.
type Linker struct {
	caseID int64
	opts   LinkOptions
	byType map[string][]knownEntity
}

type knownEntity struct {
	entity store.Entity
	norm   string
	tokens []string
	attrs  map[string]any
}

// Resolution is a grounded reference.
type Resolution struct {
	Entity store.Entity
	Method string
	Score  float64
}

// NewLinker indexes the known entities of a case.
func NewLinker(caseID int64, known []store.Entity, opts LinkOptions) *Linker {
	if opts.Jaccard <= 0 {
		opts.Jaccard = 0.6
	}
	if opts.Similarity <= 0 {
		opts.Similarity = 0.8
	}
	l := &Linker{caseID: caseID, opts: opts, byType: make(map[string][]knownEntity)}
	for _, e := range known {
		l.byType[e.ExtractionType] = append(l.byType[e.ExtractionType], knownEntity{
			entity: e,
			norm:   NormalizeLabel(e.Label),
			tokens: Tokens(e.Label),
			attrs:  Attributes(e),
		})
	}
	return l
}

// Known returns the labels of the known entities of the given types.
func (l *Linker) Known(types ...string) map[string][]string {
	out := make(map[string][]string)
	for _, t := range types {
		for _, k := range l.byType[t] {
			out[t] = append(out[t], k.entity.Label)
		}
	}
	return out
}

// Resolve grounds value against the targets of field. The label cascade is
// exact normalized label, then best token Jaccard at or above the
// threshold, then the nearest vector at or above the similarity threshold.
func (l *Linker) Resolve(ctx context.Context, field LinkField, value string) (Resolution, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Resolution{}, false
	}
	switch field.Match {
	case MatchCode:
		if r, ok := l.byCode(field.Targets, value); ok {
			return r, true
		}
	case MatchNumber:
		if r, ok := l.byNumber(field.Targets, value); ok {
			return r, true
		}
	}

	norm := NormalizeLabel(value)
	for _, t := range field.Targets {
		for _, k := range l.byType[t] {
			if k.norm == norm {
				return Resolution{Entity: k.entity, Method: MethodExact, Score: 1}, true
			}
		}
	}

	tokens := Tokens(value)
	var (
		best      knownEntity
		bestScore float64
	)
	for _, t := range field.Targets {
		for _, k := range l.byType[t] {
			if s := Jaccard(tokens, k.tokens); s > bestScore {
				best, bestScore = k, s
			}
		}
	}
	if bestScore >= l.opts.Jaccard {
		return Resolution{Entity: best.entity, Method: MethodJaccard, Score: bestScore}, true
	}

	return l.byVector(ctx, field.Targets, value)
}

func (l *Linker) byCode(targets []string, value string) (Resolution, bool) {
	code := chunker.NormalizeCode(value)
	if code == "" {
		if codes := chunker.ProvisionCodes(value); len(codes) > 0 {
			code = codes[0]
		}
	}
	if code == "" {
		return Resolution{}, false
	}
	for _, t := range targets {
		for _, k := range l.byType[t] {
			if chunker.NormalizeCode(AttrString(k.attrs, "code")) == code {
				return Resolution{Entity: k.entity, Method: MethodCode, Score: 1}, true
			}
		}
	}
	return Resolution{}, false
}

// byNumber matches the number attribute, or the position among targets
// when no target carries one.
func (l *Linker) byNumber(targets []string, value string) (Resolution, bool) {
	n := AttrInt(map[string]any{"v": value}, "v")
	if n <= 0 {
		return Resolution{}, false
	}
	numbered := false
	for _, t := range targets {
		for _, k := range l.byType[t] {
			num := AttrInt(k.attrs, "number")
			if num > 0 {
				numbered = true
			}
			if num == n {
				return Resolution{Entity: k.entity, Method: MethodNumber, Score: 1}, true
			}
		}
	}
	if !numbered && len(targets) > 0 {
		list := l.byType[targets[0]]
		if n <= len(list) {
			return Resolution{Entity: list[n-1].entity, Method: MethodNumber, Score: 1}, true
		}
	}
	return Resolution{}, false
}

func (l *Linker) byVector(ctx context.Context, targets []string, value string) (Resolution, bool) {
	if l.opts.Embedder == nil || l.opts.Index == nil {
		return Resolution{}, false
	}
	vecs, err := l.opts.Embedder.Embed(ctx, []string{value})
	if err != nil || len(vecs) == 0 {
		if err != nil {
			slog.Debug("extraction: embedding reference failed", "value", value, "error", err)
		}
		return Resolution{}, false
	}
	near, err := l.opts.Index.NearestEntities(ctx, l.caseID, targets, vecs[0], 1)
	if err != nil {
		slog.Debug("extraction: vector lookup failed", "value", value, "error", err)
		return Resolution{}, false
	}
	if len(near) == 0 || near[0].Score < l.opts.Similarity {
		return Resolution{}, false
	}
	return Resolution{Entity: near[0].Entity, Method: MethodVector, Score: near[0].Score}, true
}
