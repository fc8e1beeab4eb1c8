// Package verify runs data-quality checks over the stored output of a case
// and plans the steps that would repair what they find.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/metrics"
	"github.com/proethica/proethica/pipeline"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/synthesis"
)

// Check names.
const (
	CheckDuplicateSessions     = "duplicate_sessions"
	CheckValidationMismatch    = "argument_validation_mismatch"
	CheckOptionNotAction       = "option_not_action_phrase"
	CheckQuestionsWithoutLinks = "questions_without_causal_links"
	CheckTooFewOptions         = "decision_point_too_few_options"
	CheckEmptyExtraction       = "empty_extraction"
)

// Finding severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Finding is one data-quality problem and the step that repairs it.
type Finding struct {
	CaseID   int64  `json:"case_id"`
	Check    string `json:"check"`
	Severity string `json:"severity"`
	Step     string `json:"step"`
	Message  string `json:"message"`
	EntityID int64  `json:"entity_id,omitempty"`
}

// Report is the result of verifying one case.
type Report struct {
	CaseID    int64     `json:"case_id"`
	Findings  []Finding `json:"findings"`
	CheckedAt time.Time `json:"checked_at"`
}

// OK reports whether the case has no findings.
func (r *Report) OK() bool { return len(r.Findings) == 0 }

// Verifier runs the checks against a store.
type Verifier struct {
	store *store.Store
}

// New creates a Verifier.
func New(st *store.Store) *Verifier {
	return &Verifier{store: st}
}

// caseData is what the checks read for one case.
type caseData struct {
	caseID    int64
	sessions  map[string]int // completed sessions per type
	counts    map[string]int // entities per type
	decisions []store.Entity
}

// Case verifies one case.
func (v *Verifier) Case(ctx context.Context, caseID int64) (*Report, error) {
	d := caseData{caseID: caseID}
	var err error
	if d.sessions, err = v.store.CompletedSessionCounts(ctx, caseID); err != nil {
		return nil, fmt.Errorf("verify: session counts: %w", err)
	}
	if d.counts, err = v.store.EntityTypeCounts(ctx, caseID); err != nil {
		return nil, fmt.Errorf("verify: entity counts: %w", err)
	}
	if d.decisions, err = v.store.ListEntities(ctx, store.EntityFilter{CaseID: caseID, Types: []string{synthesis.TypeDecisionPoint}}); err != nil {
		return nil, fmt.Errorf("verify: decision points: %w", err)
	}

	r := &Report{CaseID: caseID, CheckedAt: time.Now().UTC()}
	for _, check := range checks {
		r.Findings = append(r.Findings, check(d)...)
	}
	for _, f := range r.Findings {
		metrics.VerificationFindings.WithLabelValues(f.Check, f.Severity).Inc()
	}
	if r.Findings == nil {
		r.Findings = []Finding{}
	}
	slog.Info("verify: case checked", "case_id", caseID, "findings", len(r.Findings))
	return r, nil
}

// All verifies every stored case.
func (v *Verifier) All(ctx context.Context) ([]*Report, error) {
	cases, err := v.store.ListCases(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: listing cases: %w", err)
	}
	var out []*Report
	for _, c := range cases {
		r, err := v.Case(ctx, c.ID)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

var checks = []func(caseData) []Finding{
	duplicateSessions,
	validationMismatch,
	decisionOptions,
	questionsWithoutLinks,
	emptyExtraction,
}

func duplicateSessions(d caseData) []Finding {
	var out []Finding
	for _, t := range sortedKeys(d.sessions) {
		if n := d.sessions[t]; n > 1 {
			step, _ := pipeline.StepOfType(t)
			out = append(out, Finding{
				CaseID: d.caseID, Check: CheckDuplicateSessions, Severity: SeverityError, Step: step.ID,
				Message: fmt.Sprintf("%s has %d completed sessions", t, n),
			})
		}
	}
	return out
}

func validationMismatch(d caseData) []Finding {
	args, vals := d.counts[synthesis.TypeArgument], d.counts[synthesis.TypeArgumentValidation]
	if args == vals {
		return nil
	}
	return []Finding{{
		CaseID: d.caseID, Check: CheckValidationMismatch, Severity: SeverityError, Step: synthesis.StepArguments,
		Message: fmt.Sprintf("%d arguments but %d validations", args, vals),
	}}
}

func decisionOptions(d caseData) []Finding {
	var out []Finding
	for _, e := range d.decisions {
		dp, err := synthesis.DecodeDecisionPoint(e)
		if err != nil {
			out = append(out, Finding{
				CaseID: d.caseID, Check: CheckTooFewOptions, Severity: SeverityError, Step: synthesis.StepDecisionPoints,
				Message: err.Error(), EntityID: e.ID,
			})
			continue
		}
		if len(dp.Options) < 2 {
			out = append(out, Finding{
				CaseID: d.caseID, Check: CheckTooFewOptions, Severity: SeverityWarning, Step: synthesis.StepDecisionPoints,
				Message: fmt.Sprintf("decision point %q has %d options", e.Label, len(dp.Options)), EntityID: e.ID,
			})
		}
		for _, o := range dp.Options {
			if err := synthesis.CheckActionPhrase(o.Label); err != nil {
				out = append(out, Finding{
					CaseID: d.caseID, Check: CheckOptionNotAction, Severity: SeverityWarning, Step: synthesis.StepDecisionPoints,
					Message: err.Error(), EntityID: e.ID,
				})
			}
		}
	}
	return out
}

func questionsWithoutLinks(d caseData) []Finding {
	if d.counts[extraction.TypeEthicalQuestions] == 0 || d.counts[extraction.TypeCausalNormativeLinks] > 0 {
		return nil
	}
	return []Finding{{
		CaseID: d.caseID, Check: CheckQuestionsWithoutLinks, Severity: SeverityWarning, Step: extraction.StepAnalysis,
		Message: fmt.Sprintf("%d ethical questions but no causal-normative links", d.counts[extraction.TypeEthicalQuestions]),
	}}
}

// emptyExtraction flags steps whose sessions completed without producing
// a single entity.
func emptyExtraction(d caseData) []Finding {
	var out []Finding
	for _, s := range pipeline.Steps() {
		ran, total := false, 0
		for _, t := range s.Types {
			if d.sessions[t] > 0 {
				ran = true
			}
			total += d.counts[t]
		}
		if ran && total == 0 {
			out = append(out, Finding{
				CaseID: d.caseID, Check: CheckEmptyExtraction, Severity: SeverityWarning, Step: s.ID,
				Message: fmt.Sprintf("step %s completed without entities", s.ID),
			})
		}
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Plan groups findings into the ordered steps to re-run per case. Every
// step downstream of a planned step is planned too, since re-running a
// step replaces the entities later steps were built from.
func Plan(findings []Finding) map[int64][]string {
	want := make(map[int64]map[string]bool)
	for _, f := range findings {
		if f.Step == "" {
			continue
		}
		if want[f.CaseID] == nil {
			want[f.CaseID] = make(map[string]bool)
		}
		want[f.CaseID][f.Step] = true
	}
	out := make(map[int64][]string, len(want))
	for caseID, steps := range want {
		for _, s := range pipeline.Steps() {
			if steps[s.ID] {
				out[caseID] = append(out[caseID], s.ID)
				continue
			}
			for _, dep := range s.DependsOn {
				if steps[dep] {
					steps[s.ID] = true
					out[caseID] = append(out[caseID], s.ID)
					break
				}
			}
		}
	}
	return out
}
