// Package proethica extracts ethical-reasoning entities from professional
// ethics cases in staged LLM passes and synthesizes decision points, Toulmin
// arguments and narratives from them.
package proethica

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/proethica/proethica/chunker"
	"github.com/proethica/proethica/export"
	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/graph"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/parser"
	"github.com/proethica/proethica/pipeline"
	"github.com/proethica/proethica/queue"
	"github.com/proethica/proethica/retrieval"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/synthesis"
	"github.com/proethica/proethica/verify"
)

// Engine is the main entry point for case ingestion, extraction and review.
type Engine interface {
	// Ingest parses a case file and stores its sections. A file whose content
	// is already stored yields the existing case and ErrCaseExists.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (*store.Case, error)

	// IngestText stores a case given as text. source names it.
	IngestText(ctx context.Context, source, text string, opts ...IngestOption) (*store.Case, error)

	// Cases lists every case, newest first.
	Cases(ctx context.Context) ([]store.Case, error)

	// Case returns a case with its sections and extraction state.
	Case(ctx context.Context, id int64) (*CaseDetail, error)

	// DeleteCase removes a case and everything extracted from it.
	DeleteCase(ctx context.Context, id int64) error

	// Run executes steps synchronously. No steps runs the whole pipeline.
	Run(ctx context.Context, caseID int64, steps []string, progress pipeline.ProgressFunc) ([]pipeline.StepResult, error)

	// Enqueue schedules steps on the background queue.
	Enqueue(ctx context.Context, caseID int64, steps []string) (*store.Run, error)

	// Cancel stops a queued or running run.
	Cancel(ctx context.Context, runID string) error

	// GetRun returns one run.
	GetRun(ctx context.Context, runID string) (*store.Run, error)

	// Runs lists the runs of a case, newest first.
	Runs(ctx context.Context, caseID int64) ([]store.Run, error)

	// Subscribe streams the events of a run until the returned func is called.
	Subscribe(runID string) (<-chan queue.Event, func())

	// Entities lists the entities of a case, optionally of some types.
	Entities(ctx context.Context, caseID int64, types ...string) ([]store.Entity, error)

	// UpdateEntity applies review edits to an entity.
	UpdateEntity(ctx context.Context, id int64, u store.EntityUpdate) (*store.Entity, error)

	// DecisionPoints returns the synthesized decision points of a case.
	DecisionPoints(ctx context.Context, caseID int64) ([]DecisionPointView, error)

	// Arguments returns the arguments of a case with their validations.
	Arguments(ctx context.Context, caseID int64) ([]ArgumentView, error)

	// Graph returns the entity graph of a case.
	Graph(ctx context.Context, caseID int64) (*graph.Graph, error)

	// Verify runs data-quality checks on one case, or on all cases for 0.
	Verify(ctx context.Context, caseID int64) ([]*verify.Report, error)

	// Fix enqueues the steps that remediate the findings of the reports.
	Fix(ctx context.Context, reports []*verify.Report) ([]*store.Run, error)

	// Export writes a case as xlsx or jsonld.
	Export(ctx context.Context, caseID int64, format string, w io.Writer) error

	// Search finds entities across cases.
	Search(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, *retrieval.Trace, error)

	// Start launches the background queue workers. They stop with ctx or Close.
	Start(ctx context.Context) error

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close stops the queue and closes the store.
	Close() error
}

// CaseDetail is a case with its sections and extraction state.
type CaseDetail struct {
	store.Case
	Sections     []store.Section `json:"sections"`
	EntityCounts map[string]int  `json:"entity_counts"`
	Steps        map[string]bool `json:"steps"`
	Sessions     []store.Session `json:"sessions"`
}

// DecisionPointView is a stored decision point.
type DecisionPointView struct {
	ID int64 `json:"id"`
	synthesis.DecisionPoint
}

// ArgumentView is a stored argument with its validation, if any.
type ArgumentView struct {
	ID int64 `json:"id"`
	synthesis.Argument
	Validation *synthesis.Validation `json:"validation,omitempty"`
}

// IngestOption configures Ingest.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	force    bool
	source   string
	metadata map[string]string
}

// WithForceReparse re-parses a case even when its content is unchanged.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.force = true }
}

// WithSource overrides the stored source, e.g. the original name of an
// uploaded file.
func WithSource(source string) IngestOption {
	return func(o *ingestOptions) { o.source = source }
}

// WithMetadata attaches key/value metadata to the case.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   llm.Provider
	embedLLM  llm.Provider
	parsers   *parser.Registry
	pipeline  *pipeline.Pipeline
	queue     *queue.Queue
	verifier  *verify.Verifier
	retriever *retrieval.Engine
	exporter  *export.Exporter
	closed    atomic.Bool
}

// New creates an engine. The configuration is validated first.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var embedLLM llm.Provider
	dim := 0
	if cfg.Embedding.Provider != "" {
		p, err := llm.NewProvider(toLLMConfig(cfg.Embedding.LLM()))
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		embedLLM = p
		dim = cfg.Embedding.Dim
	}

	dsn := cfg.resolveDSN()
	if cfg.Database.Driver != "postgres" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.Open(store.Options{Driver: cfg.Database.Driver, DSN: dsn, EmbeddingDim: dim})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM, err := llm.NewProvider(toLLMConfig(cfg.Chat))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	return newEngine(cfg, s, chatLLM, embedLLM), nil
}

// newEngine wires the components around an open store and providers.
func newEngine(cfg Config, s *store.Store, chatLLM, embedLLM llm.Provider) *engine {
	chunkr := chunker.New(chunker.Config{
		MaxTokens: cfg.Extraction.MaxChunkTokens,
		Overlap:   cfg.Extraction.ChunkOverlap,
	})
	ex := extraction.New(chatLLM, chunkr, s, extraction.Config{
		Model:         cfg.Chat.Model,
		Temperature:   cfg.Extraction.Temperature,
		MaxTokens:     cfg.Extraction.MaxTokens,
		MinConfidence: cfg.Extraction.MinConfidence,
	})
	syn := synthesis.New(chatLLM, s, synthesis.Config{
		Model:             cfg.Chat.Model,
		Temperature:       cfg.Extraction.Temperature,
		MaxTokens:         cfg.Extraction.MaxTokens,
		MaxDecisionPoints: cfg.Synthesis.MaxDecisionPoints,
		DedupeJaccard:     cfg.Synthesis.DedupeJaccard,
		EvidenceSentences: cfg.Synthesis.EvidenceSentences,
	})
	p := pipeline.New(s, ex, syn, embedLLM, pipeline.Config{
		Model:           cfg.Chat.Model,
		StepConcurrency: cfg.Extraction.StepConcurrency,
		LinkJaccard:     cfg.Extraction.LinkJaccard,
		LinkSimilarity:  cfg.Extraction.LinkSimilarity,
	})

	return &engine{
		cfg:      cfg,
		store:    s,
		chatLLM:  chatLLM,
		embedLLM: embedLLM,
		parsers:  parser.NewRegistry(),
		pipeline: p,
		queue: queue.New(s, p, queue.NewHub(), queue.Config{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval,
		}),
		verifier:  verify.New(s),
		retriever: retrieval.New(s, embedLLM, cfg.Retrieval),
		exporter:  export.New(s),
	}
}

func toLLMConfig(c LLMConfig) llm.Config {
	return llm.Config{
		Provider:          c.Provider,
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey,
		RequestsPerMinute: c.RequestsPerMinute,
		Timeout:           c.Timeout,
	}
}

// Ingest parses a case file and stores it.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (*store.Case, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	format := parser.FormatOf(absPath)
	p, err := e.parsers.Get(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	hash, err := fileHash(absPath)
	if err != nil {
		return nil, fmt.Errorf("hashing file: %w", err)
	}

	options := ingestOptionsOf(opts)
	if options.source == "" {
		options.source = absPath
	}
	if c, err := e.existing(ctx, options, hash); c != nil || err != nil {
		return c, err
	}

	slog.Info("ingest: parsing case", "file", filepath.Base(absPath), "format", format)
	start := time.Now()
	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	return e.save(ctx, options, hash, parsed, start)
}

// IngestText stores a case given as text.
func (e *engine) IngestText(ctx context.Context, source, text string, opts ...IngestOption) (*store.Case, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidInput)
	}
	options := ingestOptionsOf(opts)
	options.source = source

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	if c, err := e.existing(ctx, options, hash); c != nil || err != nil {
		return c, err
	}
	title := filepath.Base(source)
	title = title[:len(title)-len(filepath.Ext(title))]
	return e.save(ctx, options, hash, parser.FromText(text, title), time.Now())
}

func ingestOptionsOf(opts []IngestOption) *ingestOptions {
	o := &ingestOptions{}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// existing returns the stored case with the same content, wrapped in
// ErrCaseExists, unless a reparse is forced.
func (e *engine) existing(ctx context.Context, o *ingestOptions, hash string) (*store.Case, error) {
	if o.force {
		return nil, nil
	}
	if c, err := e.store.GetCaseBySource(ctx, o.source); err == nil && c.ContentHash == hash {
		return c, fmt.Errorf("%w: case %d", ErrCaseExists, c.ID)
	}
	if c, err := e.store.GetCaseByHash(ctx, hash); err == nil && c.Source != o.source {
		return c, fmt.Errorf("%w: same content as case %d (%s)", ErrCaseExists, c.ID, c.Source)
	}
	return nil, nil
}

// save creates or refreshes the case row and replaces its sections.
func (e *engine) save(ctx context.Context, o *ingestOptions, hash string, parsed *parser.ParseResult, start time.Time) (*store.Case, error) {
	if len(parsed.Sections) == 0 {
		return nil, fmt.Errorf("%w: no sections found", ErrParsingFailed)
	}

	meta := map[string]string{}
	for k, v := range parsed.Metadata {
		meta[k] = v
	}
	for k, v := range o.metadata {
		meta[k] = v
	}
	metaJSON, _ := json.Marshal(meta)

	c := store.Case{
		Title:       parsed.Title,
		CaseNumber:  parsed.CaseNumber,
		Year:        parsed.Year,
		Source:      o.source,
		ContentHash: hash,
		Metadata:    string(metaJSON),
	}

	prev, err := e.store.GetCaseBySource(ctx, o.source)
	switch {
	case err == nil:
		c.ID = prev.ID
		if err := e.store.UpdateCaseContent(ctx, c); err != nil {
			return nil, fmt.Errorf("updating case: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		if c.ID, err = e.store.CreateCase(ctx, c); err != nil {
			return nil, fmt.Errorf("creating case: %w", err)
		}
	default:
		return nil, fmt.Errorf("looking up case: %w", err)
	}

	sections := make([]store.Section, len(parsed.Sections))
	for i, s := range parsed.Sections {
		sections[i] = store.Section{SectionType: s.Type, Heading: s.Heading, Content: s.Content, Position: i}
	}
	if err := e.store.ReplaceSections(ctx, c.ID, sections); err != nil {
		e.store.UpdateCaseStatus(ctx, c.ID, store.CaseStatusError)
		return nil, fmt.Errorf("storing sections: %w", err)
	}
	if err := e.store.UpdateCaseStatus(ctx, c.ID, store.CaseStatusReady); err != nil {
		return nil, fmt.Errorf("updating case status: %w", err)
	}

	slog.Info("ingest: case ready",
		"case_id", c.ID, "title", c.Title, "sections", len(sections),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return e.store.GetCase(ctx, c.ID)
}

// Cases lists every case.
func (e *engine) Cases(ctx context.Context) ([]store.Case, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	return e.store.ListCases(ctx)
}

// Case returns a case with its sections and extraction state.
func (e *engine) Case(ctx context.Context, id int64) (*CaseDetail, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	c, err := e.getCase(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &CaseDetail{Case: *c, Steps: make(map[string]bool)}
	if d.Sections, err = e.store.ListSections(ctx, id); err != nil {
		return nil, err
	}
	if d.EntityCounts, err = e.store.EntityTypeCounts(ctx, id); err != nil {
		return nil, err
	}
	if d.Sessions, err = e.store.ListSessions(ctx, id); err != nil {
		return nil, err
	}
	done, err := e.store.CompletedTypes(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, st := range pipeline.Steps() {
		d.Steps[st.ID] = st.Complete(done)
	}
	return d, nil
}

// DeleteCase removes a case.
func (e *engine) DeleteCase(ctx context.Context, id int64) error {
	if err := e.open(); err != nil {
		return err
	}
	if err := e.store.DeleteCase(ctx, id); err != nil {
		return caseErr(err, id)
	}
	return nil
}

// Run executes steps synchronously.
func (e *engine) Run(ctx context.Context, caseID int64, steps []string, progress pipeline.ProgressFunc) ([]pipeline.StepResult, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	if _, err := e.getCase(ctx, caseID); err != nil {
		return nil, err
	}
	e.store.UpdateCaseStatus(ctx, caseID, store.CaseStatusProcessing)
	results, err := e.pipeline.Run(ctx, caseID, steps, progress)
	status := store.CaseStatusReady
	if err != nil {
		status = store.CaseStatusError
	}
	e.store.UpdateCaseStatus(context.WithoutCancel(ctx), caseID, status)
	return results, err
}

// Enqueue schedules steps on the background queue.
func (e *engine) Enqueue(ctx context.Context, caseID int64, steps []string) (*store.Run, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	if _, err := e.getCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.queue.Enqueue(ctx, caseID, steps)
}

// Cancel stops a run.
func (e *engine) Cancel(ctx context.Context, runID string) error {
	if err := e.open(); err != nil {
		return err
	}
	if err := e.queue.Cancel(ctx, runID); err != nil {
		return runErr(err, runID)
	}
	return nil
}

// GetRun returns one run.
func (e *engine) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, runErr(err, runID)
	}
	return r, nil
}

// Runs lists the runs of a case.
func (e *engine) Runs(ctx context.Context, caseID int64) ([]store.Run, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, caseID)
}

// Subscribe streams the events of a run.
func (e *engine) Subscribe(runID string) (<-chan queue.Event, func()) {
	return e.queue.Hub().Subscribe(runID)
}

// Entities lists the entities of a case.
func (e *engine) Entities(ctx context.Context, caseID int64, types ...string) ([]store.Entity, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	if _, err := e.getCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.store.ListEntities(ctx, store.EntityFilter{CaseID: caseID, Types: types})
}

// UpdateEntity applies review edits.
func (e *engine) UpdateEntity(ctx context.Context, id int64, u store.EntityUpdate) (*store.Entity, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	if u.Confidence != nil && (*u.Confidence < 0 || *u.Confidence > 1) {
		return nil, fmt.Errorf("%w: confidence must be within [0, 1]", ErrInvalidInput)
	}
	if u.Label != nil && *u.Label == "" {
		return nil, fmt.Errorf("%w: label must not be empty", ErrInvalidInput)
	}
	ent, err := e.store.UpdateEntity(ctx, id, u)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrEntityNotFound, id)
	}
	return ent, err
}

// DecisionPoints returns the synthesized decision points of a case.
func (e *engine) DecisionPoints(ctx context.Context, caseID int64) ([]DecisionPointView, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	entities, err := e.Entities(ctx, caseID, synthesis.TypeDecisionPoint)
	if err != nil {
		return nil, err
	}
	out := make([]DecisionPointView, 0, len(entities))
	for _, en := range entities {
		dp, err := synthesis.DecodeDecisionPoint(en)
		if err != nil {
			slog.Warn("proethica: undecodable decision point", "id", en.ID, "error", err)
			continue
		}
		out = append(out, DecisionPointView{ID: en.ID, DecisionPoint: dp})
	}
	return out, nil
}

// Arguments returns the arguments of a case with their validations.
func (e *engine) Arguments(ctx context.Context, caseID int64) ([]ArgumentView, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	entities, err := e.Entities(ctx, caseID, synthesis.TypeArgument, synthesis.TypeArgumentValidation)
	if err != nil {
		return nil, err
	}
	validations := make(map[int64]synthesis.Validation)
	for _, en := range entities {
		if en.ExtractionType != synthesis.TypeArgumentValidation {
			continue
		}
		if v, err := synthesis.DecodeValidation(en); err == nil {
			validations[v.Argument.ID] = v
		}
	}
	var out []ArgumentView
	for _, en := range entities {
		if en.ExtractionType != synthesis.TypeArgument {
			continue
		}
		a, err := synthesis.DecodeArgument(en)
		if err != nil {
			slog.Warn("proethica: undecodable argument", "id", en.ID, "error", err)
			continue
		}
		view := ArgumentView{ID: en.ID, Argument: a}
		if v, ok := validations[en.ID]; ok {
			view.Validation = &v
		}
		out = append(out, view)
	}
	return out, nil
}

// Graph returns the entity graph of a case.
func (e *engine) Graph(ctx context.Context, caseID int64) (*graph.Graph, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	if _, err := e.getCase(ctx, caseID); err != nil {
		return nil, err
	}
	return graph.Load(ctx, e.store, caseID)
}

// Verify runs data-quality checks.
func (e *engine) Verify(ctx context.Context, caseID int64) ([]*verify.Report, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	if caseID == 0 {
		return e.verifier.All(ctx)
	}
	if _, err := e.getCase(ctx, caseID); err != nil {
		return nil, err
	}
	r, err := e.verifier.Case(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return []*verify.Report{r}, nil
}

// Fix enqueues one remediation run per case with findings.
func (e *engine) Fix(ctx context.Context, reports []*verify.Report) ([]*store.Run, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	var findings []verify.Finding
	for _, r := range reports {
		findings = append(findings, r.Findings...)
	}
	var runs []*store.Run
	for _, r := range reports {
		steps, ok := verify.Plan(findings)[r.CaseID]
		if !ok {
			continue
		}
		run, err := e.queue.Enqueue(ctx, r.CaseID, steps)
		if err != nil {
			return runs, fmt.Errorf("enqueueing fix for case %d: %w", r.CaseID, err)
		}
		slog.Info("proethica: remediation enqueued", "case_id", r.CaseID, "run_id", run.ID, "steps", steps)
		runs = append(runs, run)
	}
	return runs, nil
}

// Export writes a case as xlsx or jsonld.
func (e *engine) Export(ctx context.Context, caseID int64, format string, w io.Writer) error {
	if err := e.open(); err != nil {
		return err
	}
	if err := e.exporter.Export(ctx, caseID, format, w); err != nil {
		return caseErr(err, caseID)
	}
	return nil
}

// Search finds entities across cases.
func (e *engine) Search(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, *retrieval.Trace, error) {
	if err := e.open(); err != nil {
		return nil, nil, err
	}
	return e.retriever.Search(ctx, query, opts)
}

// Start launches the queue workers.
func (e *engine) Start(ctx context.Context) error {
	if err := e.open(); err != nil {
		return err
	}
	return e.queue.Start(ctx)
}

// Store returns the underlying store.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close stops the queue and closes the store.
func (e *engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	e.queue.Stop()
	return e.store.Close()
}

func (e *engine) open() error {
	if e.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

func (e *engine) getCase(ctx context.Context, id int64) (*store.Case, error) {
	c, err := e.store.GetCase(ctx, id)
	if err != nil {
		return nil, caseErr(err, id)
	}
	return c, nil
}

// caseErr maps store.ErrNotFound to ErrCaseNotFound.
func caseErr(err error, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrCaseNotFound, id)
	}
	return err
}

// runErr maps store.ErrNotFound to ErrRunNotFound.
func runErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return err
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
