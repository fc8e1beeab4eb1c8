package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/store"
)

// Argument stances.
const (
	StancePro = "pro"
	StanceCon = "con"
)

// Argument is a Toulmin argument for or against one option of a decision
// point.
type Argument struct {
	DecisionPoint Ref      `json:"decision_point"`
	Option        string   `json:"option"`
	Stance        string   `json:"stance"`
	Role          string   `json:"role,omitempty"`
	Claim         string   `json:"claim"`
	Data          string   `json:"data"`
	Warrant       string   `json:"warrant"`
	WarrantSource string   `json:"warrant_source,omitempty"`
	Backing       string   `json:"backing,omitempty"`
	Qualifier     string   `json:"qualifier,omitempty"`
	Rebuttal      string   `json:"rebuttal,omitempty"`
	Evidence      []string `json:"evidence,omitempty"`
	WarrantID     int64    `json:"warrant_entity_id,omitempty"`
}

// DecodeArgument reads a stored argument entity.
func DecodeArgument(e store.Entity) (Argument, error) {
	var a Argument
	if err := fromAttributes(e, &a); err != nil {
		return a, fmt.Errorf("decode argument %d: %w", e.ID, err)
	}
	return a, nil
}

// warrantTargets are the entity types a warrant may rest on.
var warrantTargets = []string{extraction.TypeObligations, extraction.TypePrinciples, extraction.TypeCodeProvisions}

// Arguments asks the model for one pro and one con argument per option of
// every stored decision point. A decision point whose call fails is logged
// and skipped; an error is returned only when every call fails.
func (s *Synthesizer) Arguments(ctx context.Context, in Input) (*extraction.Result, error) {
	res := &extraction.Result{ExtractionType: TypeArgument}
	inv := in.Inventory
	dpEntities := inv.Of(TypeDecisionPoint)
	if len(dpEntities) == 0 {
		slog.Info("synthesis: no decision points to argue", "case_id", in.CaseID)
		return res, nil
	}
	linker := inv.Linker(extraction.LinkOptions{})

	var (
		failed  int
		lastErr error
	)
	for _, e := range dpEntities {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dp, err := DecodeDecisionPoint(e)
		if err != nil {
			failed++
			lastErr = err
			slog.Warn("synthesis: skipping decision point", "id", e.ID, "error", err)
			continue
		}
		args, err := s.argue(ctx, in, e, dp, res)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			failed++
			lastErr = err
			slog.Warn("synthesis: arguments failed", "decision_point", dp.Label, "error", err)
			continue
		}
		for _, a := range args {
			s.addArgument(ctx, in, linker, e, dp, a, res)
		}
	}
	if failed == len(dpEntities) {
		return res, fmt.Errorf("synthesis %s: all %d decision points failed: %w", TypeArgument, failed, lastErr)
	}
	slog.Info("synthesis: arguments", "case_id", in.CaseID, "count", len(res.Entities))
	return res, nil
}

type generatedArgument struct {
	Option        string `json:"option"`
	Stance        string `json:"stance"`
	Claim         string `json:"claim"`
	Data          string `json:"data"`
	Warrant       string `json:"warrant"`
	WarrantSource string `json:"warrant_source"`
	Backing       string `json:"backing"`
	Qualifier     string `json:"qualifier"`
	Rebuttal      string `json:"rebuttal"`
}

// argue runs one call for a decision point and keeps the first pro and the
// first con argument of each option.
func (s *Synthesizer) argue(ctx context.Context, in Input, e store.Entity, dp DecisionPoint, res *extraction.Result) ([]Argument, error) {
	var out struct {
		Arguments []generatedArgument `json:"arguments"`
	}
	if err := s.ask(ctx, in, TypeArgument, argumentPrompt(in.Inventory, dp), res, &out); err != nil {
		return nil, err
	}
	if len(out.Arguments) == 0 {
		return nil, errors.New("response has no arguments")
	}

	kept := make(map[string]bool)
	var args []Argument
	for _, g := range out.Arguments {
		stance := strings.ToLower(strings.TrimSpace(g.Stance))
		if stance != StancePro && stance != StanceCon {
			continue
		}
		opt, ok := dp.option(g.Option)
		if !ok {
			slog.Info("synthesis: argument for unknown option", "decision_point", dp.Label, "option", g.Option)
			continue
		}
		key := opt.Label + "/" + stance
		if kept[key] || strings.TrimSpace(g.Claim) == "" {
			continue
		}
		kept[key] = true
		args = append(args, Argument{
			DecisionPoint: Ref{ID: e.ID, Label: dp.Label},
			Option:        opt.Label,
			Stance:        stance,
			Role:          dp.Role.Label,
			Claim:         strings.TrimSpace(g.Claim),
			Data:          strings.TrimSpace(g.Data),
			Warrant:       strings.TrimSpace(g.Warrant),
			WarrantSource: strings.TrimSpace(g.WarrantSource),
			Backing:       strings.TrimSpace(g.Backing),
			Qualifier:     strings.TrimSpace(g.Qualifier),
			Rebuttal:      strings.TrimSpace(g.Rebuttal),
		})
	}
	for _, o := range dp.Options {
		for _, st := range []string{StancePro, StanceCon} {
			if !kept[o.Label+"/"+st] {
				slog.Warn("synthesis: missing argument", "decision_point", dp.Label, "option", o.Label, "stance", st)
			}
		}
	}
	return args, nil
}

func (s *Synthesizer) addArgument(ctx context.Context, in Input, linker *extraction.Linker, dpEntity store.Entity, dp DecisionPoint, a Argument, res *extraction.Result) {
	a.Evidence = SelectEvidence(in.Facts, a.Option+" "+a.Claim+" "+a.Data, s.cfg.EvidenceSentences)
	if a.Data == "" && len(a.Evidence) > 0 {
		a.Data = strings.Join(a.Evidence, " ")
	}
	idx := len(res.Entities)
	link := func(id int64, relation string, weight float64) {
		res.Links = append(res.Links, store.PendingLink{SourceIndex: idx, TargetID: id, Relation: relation, Weight: weight})
	}
	link(dpEntity.ID, "addresses", 1)
	if a.WarrantSource != "" {
		if r, ok := linker.Resolve(ctx, extraction.LinkField{Targets: warrantTargets, Match: extraction.MatchCode}, a.WarrantSource); ok {
			a.WarrantID = r.Entity.ID
			link(r.Entity.ID, "warranted_by", r.Score)
		} else {
			res.Unresolved++
			slog.Info("synthesis: unresolved warrant source", "value", a.WarrantSource)
		}
	}
	if o, ok := dp.option(a.Option); ok && o.ActionID != 0 {
		link(o.ActionID, "concerns", 1)
	}
	label := fmt.Sprintf("%s %s: %s", strings.ToUpper(a.Stance[:1])+a.Stance[1:], a.Option, dp.Label)
	res.Entities = append(res.Entities, document(in.CaseID, TypeArgument, "proeth:Argument", label, a.Claim, 0.5, a))
}

func argumentPrompt(inv *Inventory, dp DecisionPoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decision point: %s\nQuestion faced: %s\n", dp.Label, dp.Focus)
	if dp.Role.Label != "" {
		fmt.Fprintf(&b, "Acting role: %s\n", dp.Role.Label)
	}
	b.WriteString("Options:\n")
	for _, o := range dp.Options {
		fmt.Fprintf(&b, "- %s\n", o.Label)
	}
	writeRefs := func(title string, rs []Ref) {
		if len(rs) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for _, r := range rs {
			def := ""
			if r.ID != 0 {
				def = inv.Doc(r.ID).Definition
			}
			if def != "" {
				fmt.Fprintf(&b, "- %s: %s\n", r.Label, def)
			} else {
				fmt.Fprintf(&b, "- %s\n", r.Label)
			}
		}
	}
	writeRefs("Obligations", dp.Obligations())
	writeRefs("Principles", dp.Principles)
	writeRefs("Code provisions", dp.Provisions)
	b.WriteString(`
For every option write one "pro" and one "con" Toulmin argument.
Return JSON: {"arguments": [{"option": "option text exactly as listed", "stance": "pro" or "con",
"claim": "...", "data": "case facts supporting the claim", "warrant": "...",
"warrant_source": "label of the obligation, principle or provision the warrant rests on",
"backing": "...", "qualifier": "...", "rebuttal": "..."}]}
`)
	return b.String()
}
