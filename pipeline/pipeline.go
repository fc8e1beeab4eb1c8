package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/metrics"
	"github.com/proethica/proethica/parser"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/synthesis"
)

// Session result statuses.
const (
	StatusCompleted = store.SessionCompleted
	StatusFailed    = store.SessionFailed
)

// SessionResult is the outcome of one extraction session.
type SessionResult struct {
	SessionID        string `json:"session_id"`
	ExtractionType   string `json:"extraction_type"`
	Entities         int    `json:"entities"`
	Links            int    `json:"links"`
	Unresolved       int    `json:"unresolved"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

// StepResult is the outcome of one step for one case.
type StepResult struct {
	Step     string          `json:"step"`
	CaseID   int64           `json:"case_id"`
	Sessions []SessionResult `json:"sessions"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// Failed returns the failed sessions.
func (r *StepResult) Failed() []SessionResult {
	var out []SessionResult
	for _, s := range r.Sessions {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// Progress reports a finished session while a step runs.
type Progress struct {
	CaseID  int64
	Step    string
	Session SessionResult
}

// ProgressFunc receives progress reports. It may be called from several
// goroutines at once.
type ProgressFunc func(Progress)

// Config tunes a Pipeline.
type Config struct {
	Model           string
	StepConcurrency int
	LinkJaccard     float64
	LinkSimilarity  float64
}

// Pipeline runs steps against the store.
type Pipeline struct {
	store     *store.Store
	extractor *extraction.Extractor
	synth     *synthesis.Synthesizer
	embedder  llm.Provider
	cfg       Config
}

// New creates a Pipeline. embedder may be nil, which disables entity
// vectors and vector linking.
func New(st *store.Store, ex *extraction.Extractor, syn *synthesis.Synthesizer, embedder llm.Provider, cfg Config) *Pipeline {
	if cfg.StepConcurrency <= 0 {
		cfg.StepConcurrency = 1
	}
	return &Pipeline{store: st, extractor: ex, synth: syn, embedder: embedder, cfg: cfg}
}

// Run executes the requested steps in topological order, all steps when
// none are named. It stops at the first step that fails.
func (p *Pipeline) Run(ctx context.Context, caseID int64, stepIDs []string, progress ProgressFunc) ([]StepResult, error) {
	ordered, err := Order(stepIDs)
	if err != nil {
		return nil, err
	}
	var results []StepResult
	for _, s := range ordered {
		res, err := p.RunStep(ctx, caseID, s.ID, progress)
		if res != nil {
			results = append(results, *res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunStep executes one step. It fails with ErrStepDependency when a step
// it depends on has no completed session for the case. A step whose
// sessions partly fail still commits the successful ones and returns an
// error naming the failures.
func (p *Pipeline) RunStep(ctx context.Context, caseID int64, stepID string, progress ProgressFunc) (*StepResult, error) {
	step, ok := Lookup(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}
	if err := p.CheckDependencies(ctx, caseID, step); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &StepResult{Step: step.ID, CaseID: caseID}
	slog.Info("pipeline: step started", "case_id", caseID, "step", step.ID)

	r := &stepRun{p: p, caseID: caseID, step: step, progress: progress, res: res}
	var err error
	if step.Synthesis {
		err = r.synthesize(ctx)
	} else {
		err = r.extract(ctx)
	}
	res.Elapsed = time.Since(start)
	metrics.StepDuration.WithLabelValues(step.ID).Observe(res.Elapsed.Seconds())
	if err != nil {
		return res, err
	}
	if failed := res.Failed(); len(failed) > 0 {
		return res, fmt.Errorf("pipeline: step %s: %d of %d sessions failed, first: %s: %s",
			step.ID, len(failed), len(res.Sessions), failed[0].ExtractionType, failed[0].Error)
	}
	slog.Info("pipeline: step complete", "case_id", caseID, "step", step.ID,
		"sessions", len(res.Sessions), "elapsed", res.Elapsed)
	return res, nil
}

// CheckDependencies reports ErrStepDependency when a dependency of step
// has no completed session for the case. A dependency counts as complete
// when any of its types has a completed session.
func (p *Pipeline) CheckDependencies(ctx context.Context, caseID int64, step Step) error {
	if len(step.DependsOn) == 0 {
		return nil
	}
	done, err := p.store.CompletedTypes(ctx, caseID)
	if err != nil {
		return fmt.Errorf("pipeline: completed types: %w", err)
	}
	for _, dep := range step.DependsOn {
		d, _ := Lookup(dep)
		if !d.Complete(done) {
			return fmt.Errorf("%w: %s needs %s for case %d", ErrStepDependency, step.ID, dep, caseID)
		}
	}
	return nil
}

// stepRun is the state of one step execution.
type stepRun struct {
	p        *Pipeline
	caseID   int64
	step     Step
	progress ProgressFunc

	mu  sync.Mutex
	res *StepResult
}

func (r *stepRun) record(sr SessionResult) {
	r.mu.Lock()
	r.res.Sessions = append(r.res.Sessions, sr)
	r.mu.Unlock()
	metrics.SessionsTotal.WithLabelValues(sr.ExtractionType, sr.Status).Inc()
	if r.progress != nil {
		r.progress(Progress{CaseID: r.caseID, Step: r.step.ID, Session: sr})
	}
}

// extract runs the extraction waves of the step. Types within a wave run
// concurrently; the linker is rebuilt between waves so later waves can
// ground references to entities of earlier ones.
func (r *stepRun) extract(ctx context.Context) error {
	sections, err := r.p.sections(ctx, r.caseID)
	if err != nil {
		return err
	}
	waves, err := extraction.Waves(r.step.ID)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	for _, wave := range waves {
		linker, err := r.p.linker(ctx, r.caseID)
		if err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.p.cfg.StepConcurrency)
		for _, t := range wave {
			spec, ok := extraction.Spec(t)
			if !ok {
				return fmt.Errorf("pipeline: no concept spec for %s", t)
			}
			g.Go(func() error {
				return r.session(gctx, t, func(ctx context.Context, sessionID string) (*extraction.Result, error) {
					return r.p.extractor.Extract(ctx, spec, extraction.Input{
						CaseID:    r.caseID,
						SessionID: sessionID,
						Sections:  sections,
						Linker:    linker,
					})
				})
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// synthesize runs the synthesis types of the step in order, reloading the
// inventory after each commit.
func (r *stepRun) synthesize(ctx context.Context) error {
	facts, err := r.p.facts(ctx, r.caseID)
	if err != nil {
		return err
	}
	for _, t := range r.step.Types {
		inv, err := r.p.Inventory(ctx, r.caseID)
		if err != nil {
			return err
		}
		var run func(ctx context.Context, in synthesis.Input) (*extraction.Result, error)
		switch t {
		case synthesis.TypeDecisionPoint:
			run = r.p.synth.DecisionPoints
		case synthesis.TypeArgument:
			run = r.p.synth.Arguments
		case synthesis.TypeArgumentValidation:
			run = func(_ context.Context, in synthesis.Input) (*extraction.Result, error) {
				return r.p.synth.Validations(in), nil
			}
		case synthesis.TypeNarrative:
			run = r.p.synth.Narrative
		default:
			return fmt.Errorf("pipeline: no synthesizer for %s", t)
		}
		err = r.session(ctx, t, func(ctx context.Context, sessionID string) (*extraction.Result, error) {
			return run(ctx, synthesis.Input{CaseID: r.caseID, SessionID: sessionID, Inventory: inv, Facts: facts})
		})
		if err != nil {
			return err
		}
		if n := len(r.res.Sessions); n > 0 && r.res.Sessions[n-1].Status == StatusFailed {
			// later types of the step build on this one
			return nil
		}
	}
	return nil
}

// session opens an extraction session, runs fn and commits or fails it.
// Only cancellation and store errors are returned; a failed run is
// recorded as a failed session.
func (r *stepRun) session(ctx context.Context, extractionType string, fn func(context.Context, string) (*extraction.Result, error)) error {
	sr := SessionResult{ExtractionType: extractionType}
	sid, err := r.p.store.BeginSession(ctx, r.caseID, r.step.ID, extractionType, r.p.cfg.Model)
	if err != nil {
		return fmt.Errorf("pipeline: begin session %s: %w", extractionType, err)
	}
	sr.SessionID = sid

	res, err := fn(ctx, sid)
	if res != nil {
		sr.PromptTokens, sr.CompletionTokens = res.PromptTokens, res.CompletionTokens
	}
	if err == nil {
		var ids []int64
		ids, err = r.p.store.ReplaceEntities(ctx, res.Commit(r.caseID, sid))
		if err == nil {
			sr.Status = StatusCompleted
			sr.Entities, sr.Links, sr.Unresolved = len(ids), len(res.Links), res.Unresolved
			r.p.embed(ctx, ids, res.Entities)
			r.record(sr)
			return nil
		}
	}

	sr.Status, sr.Error = StatusFailed, err.Error()
	if ferr := r.p.store.FailSession(context.WithoutCancel(ctx), sid, sr.PromptTokens, sr.CompletionTokens, sr.Error); ferr != nil {
		slog.Error("pipeline: marking session failed", "session_id", sid, "error", ferr)
	}
	slog.Warn("pipeline: session failed", "case_id", r.caseID, "type", extractionType, "error", err)
	r.record(sr)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// embed stores vectors for new entities. Failures only disable vector
// linking for them.
func (p *Pipeline) embed(ctx context.Context, ids []int64, entities []store.Entity) {
	if p.embedder == nil || !p.store.HasVectors() || len(ids) == 0 {
		return
	}
	texts := make([]string, len(entities))
	for i, e := range entities {
		texts[i] = e.Label
		if e.Definition != "" {
			texts[i] += ": " + e.Definition
		}
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		if !errors.Is(err, llm.ErrEmbeddingUnsupported) {
			slog.Warn("pipeline: embedding entities failed", "error", err)
		}
		return
	}
	for i, v := range vecs {
		if i >= len(ids) {
			break
		}
		if err := p.store.UpsertEntityVector(ctx, ids[i], v); err != nil {
			slog.Warn("pipeline: storing entity vector failed", "entity_id", ids[i], "error", err)
			return
		}
	}
}

func (p *Pipeline) linker(ctx context.Context, caseID int64) (*extraction.Linker, error) {
	known, err := p.store.ListEntities(ctx, store.EntityFilter{CaseID: caseID})
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing entities: %w", err)
	}
	opts := extraction.LinkOptions{Jaccard: p.cfg.LinkJaccard, Similarity: p.cfg.LinkSimilarity}
	if p.embedder != nil && p.store.HasVectors() {
		opts.Embedder, opts.Index = p.embedder, p.store
	}
	return extraction.NewLinker(caseID, known, opts), nil
}

// Inventory loads every entity and link of a case.
func (p *Pipeline) Inventory(ctx context.Context, caseID int64) (*synthesis.Inventory, error) {
	entities, err := p.store.ListEntities(ctx, store.EntityFilter{CaseID: caseID})
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing entities: %w", err)
	}
	links, err := p.store.ListLinks(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing links: %w", err)
	}
	return synthesis.NewInventory(caseID, entities, links), nil
}

func (p *Pipeline) sections(ctx context.Context, caseID int64) ([]parser.Section, error) {
	rows, err := p.store.ListSections(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing sections: %w", err)
	}
	out := make([]parser.Section, len(rows))
	for i, s := range rows {
		out[i] = parser.Section{Heading: s.Heading, Content: s.Content, Type: s.SectionType, Level: 1}
	}
	return out, nil
}

// facts returns the facts sections of a case, or the whole case text when
// it has none.
func (p *Pipeline) facts(ctx context.Context, caseID int64) (string, error) {
	sections, err := p.sections(ctx, caseID)
	if err != nil {
		return "", err
	}
	var facts, all []string
	for _, s := range sections {
		all = append(all, s.Content)
		if s.Type == parser.TypeFacts {
			facts = append(facts, s.Content)
		}
	}
	if len(facts) == 0 {
		facts = all
	}
	return strings.Join(facts, "\n\n"), nil
}
