package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/proethica/proethica/chunker"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/metrics"
	"github.com/proethica/proethica/parser"
	"github.com/proethica/proethica/store"
)

// perWindowTimeout caps a single extraction call.
const perWindowTimeout = 3 * time.Minute

// Config tunes an Extractor.
type Config struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MinConfidence float64
}

// PromptRecorder persists prompts and responses.
type PromptRecorder interface {
	LogPrompt(ctx context.Context, p store.PromptLog) error
}

// Extractor runs extraction passes for one type at a time.
type Extractor struct {
	chat     llm.Provider
	chunker  *chunker.Chunker
	recorder PromptRecorder
	cfg      Config
}

// New creates an Extractor. recorder may be nil.
func New(chat llm.Provider, ch *chunker.Chunker, recorder PromptRecorder, cfg Config) *Extractor {
	if ch == nil {
		ch = chunker.New(chunker.Config{})
	}
	return &Extractor{chat: chat, chunker: ch, recorder: recorder, cfg: cfg}
}

// Input is the case material for one extraction session.
type Input struct {
	CaseID    int64
	SessionID string
	Sections  []parser.Section
	Linker    *Linker
}

// Result is the outcome of one extraction session, ready to commit.
type Result struct {
	ExtractionType   string
	Entities         []store.Entity
	Links            []store.PendingLink
	Unresolved       int
	Windows          int
	FailedWindows    int
	PromptTokens     int
	CompletionTokens int
}

// Commit converts the result into a store commit.
func (r *Result) Commit(caseID int64, sessionID string) store.Commit {
	return store.Commit{
		SessionID:        sessionID,
		CaseID:           caseID,
		ExtractionType:   r.ExtractionType,
		Entities:         r.Entities,
		Links:            r.Links,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
	}
}

// Extract runs spec over the case. Windows are processed in order; a
// window whose call or parse fails is logged and skipped. When every window
// fails the last error is returned with the token counts spent so far.
func (x *Extractor) Extract(ctx context.Context, spec ConceptSpec, in Input) (*Result, error) {
	res := &Result{ExtractionType: spec.Type}
	linker := in.Linker
	if linker == nil {
		linker = NewLinker(in.CaseID, nil, LinkOptions{})
	}
	known := linker.Known(spec.Context...)

	windows := x.windows(spec, in.Sections)
	if len(spec.Sections) == 0 {
		if len(known) == 0 {
			slog.Info("extraction: no entity context, skipping", "type", spec.Type, "case_id", in.CaseID)
			return res, nil
		}
		windows = []promptWindow{{}}
	}
	if len(windows) == 0 {
		slog.Info("extraction: no source sections", "type", spec.Type, "case_id", in.CaseID)
		return res, nil
	}
	res.Windows = len(windows)

	caseText := joinSections(in.Sections)
	var (
		candidates []Candidate
		lastErr    error
	)
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raws, err := x.runWindow(ctx, spec, in, known, w, res)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.FailedWindows++
			lastErr = err
			slog.Warn("extraction: window failed", "type", spec.Type, "case_id", in.CaseID,
				"window", i, "section", w.SectionType, "error", err)
			continue
		}
		for _, r := range raws {
			if c, ok := toCandidate(r, w.SectionType, caseText); ok {
				candidates = append(candidates, c)
			}
		}
	}
	if res.FailedWindows == len(windows) {
		return res, fmt.Errorf("extraction %s: all %d windows failed: %w", spec.Type, len(windows), lastErr)
	}

	kept, err := x.finalize(spec, mergeCandidates(candidates))
	if err != nil {
		return res, err
	}
	x.build(ctx, spec, in.CaseID, linker, kept, res)
	metrics.EntitiesExtracted.WithLabelValues(spec.Type).Add(float64(len(res.Entities)))
	slog.Info("extraction: type complete", "type", spec.Type, "case_id", in.CaseID,
		"entities", len(res.Entities), "links", len(res.Links), "unresolved", res.Unresolved,
		"windows", res.Windows, "failed_windows", res.FailedWindows)
	return res, nil
}

func (x *Extractor) runWindow(ctx context.Context, spec ConceptSpec, in Input, known map[string][]string, w promptWindow, res *Result) ([]rawEntity, error) {
	prompt := buildPrompt(spec, known, w)

	wctx, cancel := context.WithTimeout(ctx, perWindowTimeout)
	defer cancel()
	resp, err := x.chat.Chat(wctx, llm.ChatRequest{
		Model:          x.cfg.Model,
		Messages:       llm.Prompt(systemPrompt, prompt),
		Temperature:    x.cfg.Temperature,
		MaxTokens:      x.cfg.MaxTokens,
		ResponseFormat: llm.FormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("llm chat: %w", err)
	}
	res.PromptTokens += resp.PromptTokens
	res.CompletionTokens += resp.CompletionTokens
	if resp.Truncated() {
		slog.Warn("extraction: response hit token limit", "type", spec.Type, "section", w.SectionType, "max_tokens", x.cfg.MaxTokens)
	}

	if x.recorder != nil {
		if err := x.recorder.LogPrompt(ctx, store.PromptLog{
			CaseID:           in.CaseID,
			SessionID:        in.SessionID,
			ExtractionType:   spec.Type,
			SectionType:      w.SectionType,
			Prompt:           prompt,
			Response:         resp.Content,
			Model:            resp.Model,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		}); err != nil {
			slog.Warn("extraction: logging prompt failed", "type", spec.Type, "error", err)
		}
	}
	return parseEntities(resp.Content)
}

// windows returns the prompt windows of the concept's sections, or of its
// fallback sections when the primary ones are empty.
func (x *Extractor) windows(spec ConceptSpec, sections []parser.Section) []promptWindow {
	pick := func(types []string) []parser.Section {
		var out []parser.Section
		for _, t := range types {
			for _, s := range sections {
				if s.Type == t && strings.TrimSpace(s.Content) != "" {
					out = append(out, s)
				}
			}
		}
		return out
	}
	selected := pick(spec.Sections)
	if len(selected) == 0 {
		selected = pick(spec.Fallback)
	}
	var out []promptWindow
	for _, w := range x.chunker.Sections(selected) {
		out = append(out, promptWindow{SectionType: w.SectionType, Heading: w.Heading, Text: w.Text})
	}
	return out
}

func toCandidate(r rawEntity, sectionType, caseText string) (Candidate, bool) {
	label := CleanLabel(r.Label)
	if label == "" {
		label = CleanLabel(AttrString(r.Attributes, "name"))
	}
	if label == "" {
		return Candidate{}, false
	}
	label = truncateUTF8(label, maxLabelBytes)
	attrs := r.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	c := Candidate{
		Label:          label,
		Definition:     strings.TrimSpace(r.Definition),
		Confidence:     scoreConfidence(r.Confidence, r.TextReference, caseText, r.Definition),
		TextReferences: []string(r.TextReference),
		Attributes:     attrs,
	}
	if sectionType != "" {
		c.SourceSections = []string{sectionType}
	}
	return c, true
}

// finalize validates and filters merged candidates. It fails only when
// every candidate was rejected as malformed.
func (x *Extractor) finalize(spec ConceptSpec, in []Candidate) ([]Candidate, error) {
	var (
		out       []Candidate
		malformed int
		lastErr   error
	)
	for _, c := range in {
		if spec.Validate != nil {
			if err := spec.Validate(&c); err != nil {
				slog.Warn("extraction: candidate rejected", "type", spec.Type, "label", c.Label, "error", err)
				if errors.Is(err, ErrMalformedResponse) {
					malformed++
					lastErr = err
				}
				continue
			}
		}
		if c.Confidence < x.cfg.MinConfidence {
			slog.Debug("extraction: below confidence threshold", "type", spec.Type,
				"label", c.Label, "confidence", c.Confidence)
			continue
		}
		out = append(out, c)
	}
	if len(in) > 0 && malformed == len(in) {
		return nil, fmt.Errorf("extraction %s: %w", spec.Type, lastErr)
	}
	if spec.Single && len(out) > 1 {
		best := 0
		for i := range out {
			if out[i].Confidence > out[best].Confidence {
				best = i
			}
		}
		out = out[best : best+1]
	}
	return out, nil
}

// build turns candidates into store rows and grounds their link fields.
func (x *Extractor) build(ctx context.Context, spec ConceptSpec, caseID int64, linker *Linker, cands []Candidate, res *Result) {
	for i, c := range cands {
		doc := Document{
			Context:        OntologyContext,
			ID:             EntityURI(caseID, spec.Type, c.Label),
			Type:           spec.Class,
			Label:          c.Label,
			Definition:     c.Definition,
			Confidence:     c.Confidence,
			TextReferences: c.TextReferences,
			SourceSections: c.SourceSections,
			Attributes:     c.Attributes,
		}

		seen := make(map[string]bool)
		for _, f := range spec.Links {
			for _, v := range AttrStrings(c.Attributes, f.Attribute) {
				r, ok := linker.Resolve(ctx, f, v)
				if !ok {
					doc.UnresolvedRefs = append(doc.UnresolvedRefs, UnresolvedRef{Attribute: f.Attribute, Value: v})
					res.Unresolved++
					slog.Info("extraction: unresolved reference", "type", spec.Type,
						"label", c.Label, "attribute", f.Attribute, "value", v)
					continue
				}
				key := fmt.Sprintf("%s/%d", f.Relation, r.Entity.ID)
				if seen[key] {
					continue
				}
				seen[key] = true
				res.Links = append(res.Links, store.PendingLink{
					SourceIndex: i,
					TargetID:    r.Entity.ID,
					Relation:    f.Relation,
					Weight:      r.Score,
				})
			}
		}
		res.Entities = append(res.Entities, doc.Entity(caseID, spec.Type))
	}
}

func joinSections(sections []parser.Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n\n")
}
