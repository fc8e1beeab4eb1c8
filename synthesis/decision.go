package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/metrics"
	"github.com/proethica/proethica/store"
)

// Decision point sources.
const (
	SourceAlgorithmic = "algorithmic"
	SourceLLM         = "llm"
)

// Option is one course of action open at a decision point.
type Option struct {
	Label    string `json:"label"`
	ActionID int64  `json:"action_id,omitempty"`
	Taken    bool   `json:"taken,omitempty"`
}

// DecisionPoint is a choice a role faces between competing options under
// one or more obligations.
type DecisionPoint struct {
	Label       string         `json:"label"`
	Focus       string         `json:"focus"`
	Role        Ref            `json:"role"`
	Options     []Option       `json:"options"`
	Fulfills    []Ref          `json:"fulfills,omitempty"`
	Violates    []Ref          `json:"violates,omitempty"`
	Principles  []Ref          `json:"principles,omitempty"`
	Provisions  []Ref          `json:"provisions,omitempty"`
	Questions   []Ref          `json:"questions,omitempty"`
	Intensity   MoralIntensity `json:"moral_intensity"`
	IntensityV  float64        `json:"intensity_score"`
	Grounding   float64        `json:"grounding_score"`
	Score       float64        `json:"score"`
	Source      string         `json:"source"`
	SourceLinks []int64        `json:"causal_links,omitempty"`
}

// Obligations returns the fulfilled and violated obligations.
func (dp DecisionPoint) Obligations() []Ref {
	out := append([]Ref{}, dp.Fulfills...)
	return append(out, dp.Violates...)
}

// HasOption reports whether label matches one of the options.
func (dp DecisionPoint) HasOption(label string) bool {
	_, ok := dp.option(label)
	return ok
}

func (dp DecisionPoint) option(label string) (Option, bool) {
	norm := extraction.NormalizeLabel(NormalizeOption(label))
	for _, o := range dp.Options {
		if extraction.NormalizeLabel(NormalizeOption(o.Label)) == norm {
			return o, true
		}
	}
	tokens := extraction.Tokens(label)
	for _, o := range dp.Options {
		if extraction.Jaccard(tokens, extraction.Tokens(o.Label)) >= 0.6 {
			return o, true
		}
	}
	return Option{}, false
}

// DecodeDecisionPoint reads a stored decision point entity.
func DecodeDecisionPoint(e store.Entity) (DecisionPoint, error) {
	var dp DecisionPoint
	if err := fromAttributes(e, &dp); err != nil {
		return dp, fmt.Errorf("decode decision point %d: %w", e.ID, err)
	}
	if dp.Label == "" {
		dp.Label = e.Label
	}
	return dp, nil
}

// ComposeDecisionPoints builds decision points from causal-normative links.
// Candidates with fewer than two valid options are dropped, near duplicates
// collapse to the highest score, and at most limit are returned ordered by
// score.
func ComposeDecisionPoints(inv *Inventory, limit int, dedupe float64) []DecisionPoint {
	var cands []DecisionPoint
	for _, cl := range inv.Of(extraction.TypeCausalNormativeLinks) {
		dp, ok := composeOne(inv, cl)
		if !ok {
			continue
		}
		cands = append(cands, dp)
	}
	return rankDecisionPoints(cands, limit, dedupe)
}

func composeOne(inv *Inventory, cl store.Entity) (DecisionPoint, bool) {
	action, ok := linkedAction(inv, cl)
	if !ok {
		slog.Debug("synthesis: causal link without action", "label", cl.Label)
		return DecisionPoint{}, false
	}
	fulfills := inv.Targets(cl.ID, "fulfills")
	violates := inv.Targets(cl.ID, "violates")
	if len(fulfills)+len(violates) == 0 {
		return DecisionPoint{}, false
	}
	options := actionOptions(inv, action)
	if len(options) < 2 {
		slog.Debug("synthesis: too few options", "action", action.Label, "options", len(options))
		return DecisionPoint{}, false
	}

	obligations := append(append([]store.Entity{}, fulfills...), violates...)
	role, roleOK := actingRole(inv, action, obligations)
	provisions, principles := groundsOf(inv, cl, obligations)
	questions := relatedQuestions(inv, action, role)

	dp := DecisionPoint{
		Label:       action.Label,
		Role:        role,
		Options:     options,
		Fulfills:    refs(fulfills),
		Violates:    refs(violates),
		Principles:  refs(principles),
		Provisions:  refs(provisions),
		Questions:   refs(questions),
		Source:      SourceAlgorithmic,
		SourceLinks: []int64{cl.ID},
	}
	if role.Label != "" {
		dp.Label = role.Label + ": " + action.Label
		dp.Focus = fmt.Sprintf("Should %s %s?", role.Label, lowerFirst(NormalizeOption(action.Label)))
	} else {
		dp.Focus = fmt.Sprintf("Was it appropriate to %s?", lowerFirst(NormalizeOption(action.Label)))
	}

	var text strings.Builder
	text.WriteString(action.Label + " " + action.Definition + " " + cl.Definition)
	for _, o := range obligations {
		text.WriteString(" " + o.Label + " " + o.Definition)
	}
	dp.Intensity = estimateIntensity(intensityInput{
		text:             text.String(),
		violated:         len(violates),
		grounds:          len(principles) + len(provisions),
		actionConfidence: action.Confidence,
		roleAffected:     roleOK && roleAffected(inv, role),
	})
	dp.Grounding = grounding(roleOK, len(obligations), len(principles)+len(provisions), len(questions))
	dp.score()
	return dp, true
}

func (dp *DecisionPoint) score() {
	dp.IntensityV = dp.Intensity.Score()
	dp.Score = 0.6*dp.IntensityV + 0.4*dp.Grounding
}

// grounding is the share of role, obligations, grounds and questions present.
func grounding(role bool, obligations, grounds, questions int) float64 {
	var n float64
	for _, ok := range []bool{role, obligations > 0, grounds > 0, questions > 0} {
		if ok {
			n++
		}
	}
	return n / 4
}

func linkedAction(inv *Inventory, cl store.Entity) (store.Entity, bool) {
	for _, a := range inv.Targets(cl.ID, "concerns") {
		if a.ExtractionType == extraction.TypeActions {
			return a, true
		}
	}
	name := extraction.AttrString(inv.Attrs(cl.ID), "action")
	if name == "" {
		name = cl.Label
	}
	norm := extraction.NormalizeLabel(name)
	for _, a := range inv.Of(extraction.TypeActions) {
		if extraction.NormalizeLabel(a.Label) == norm {
			return a, true
		}
	}
	return store.Entity{}, false
}

// actionOptions returns the action itself followed by its alternatives,
// keeping only distinct action phrases.
func actionOptions(inv *Inventory, action store.Entity) []Option {
	byLabel := make(map[string]int64)
	for _, a := range inv.Of(extraction.TypeActions) {
		byLabel[extraction.NormalizeLabel(NormalizeOption(a.Label))] = a.ID
	}
	var out []Option
	seen := make(map[string]bool)
	add := func(label string, taken bool) {
		label = NormalizeOption(label)
		key := extraction.NormalizeLabel(label)
		if key == "" || seen[key] {
			return
		}
		if err := CheckActionPhrase(label); err != nil {
			slog.Debug("synthesis: option rejected", "error", err)
			return
		}
		seen[key] = true
		out = append(out, Option{Label: label, ActionID: byLabel[key], Taken: taken})
	}
	add(action.Label, true)
	for _, alt := range extraction.AttrStrings(inv.Attrs(action.ID), "alternatives") {
		add(alt, false)
	}
	return out
}

func actingRole(inv *Inventory, action store.Entity, obligations []store.Entity) (Ref, bool) {
	if roles := inv.Targets(action.ID, "performed_by"); len(roles) > 0 {
		return refOf(roles[0]), true
	}
	for _, o := range obligations {
		if roles := inv.Targets(o.ID, "applies_to"); len(roles) > 0 {
			return refOf(roles[0]), true
		}
	}
	if agent := extraction.AttrString(inv.Attrs(action.ID), "agent"); agent != "" {
		return Ref{Label: agent}, false
	}
	return Ref{}, false
}

// roleAffected reports whether any event of the case affects the role.
func roleAffected(inv *Inventory, role Ref) bool {
	return len(inv.Sources(role.ID, "affects")) > 0
}

// groundsOf returns the provisions grounding the obligations and the
// principles either named by the causal link or grounded by those
// provisions.
func groundsOf(inv *Inventory, cl store.Entity, obligations []store.Entity) (provisions, principles []store.Entity) {
	seen := make(map[int64]bool)
	for _, o := range obligations {
		for _, p := range inv.Sources(o.ID, "grounds") {
			if p.ExtractionType == extraction.TypeCodeProvisions && !seen[p.ID] {
				seen[p.ID] = true
				provisions = append(provisions, p)
			}
		}
	}
	for _, p := range inv.Targets(cl.ID, "guided_by") {
		if !seen[p.ID] {
			seen[p.ID] = true
			principles = append(principles, p)
		}
	}
	for _, prov := range provisions {
		for _, p := range inv.Targets(prov.ID, "grounds") {
			if p.ExtractionType == extraction.TypePrinciples && !seen[p.ID] {
				seen[p.ID] = true
				principles = append(principles, p)
			}
		}
	}
	return provisions, principles
}

// relatedQuestions returns questions that involve the action or role, or
// whose text mentions the role or shares two content words with the action.
func relatedQuestions(inv *Inventory, action store.Entity, role Ref) []store.Entity {
	actionTokens := contentTokens(action.Label)
	roleNorm := extraction.NormalizeLabel(role.Label)
	var out []store.Entity
	for _, q := range inv.Of(extraction.TypeEthicalQuestions) {
		if involves(inv, q, action.ID, role.ID) {
			out = append(out, q)
			continue
		}
		text := q.Label + " " + q.Definition
		if roleNorm != "" && strings.Contains(extraction.NormalizeLabel(text), roleNorm) {
			out = append(out, q)
			continue
		}
		if sharedCount(actionTokens, contentTokens(text)) >= 2 {
			out = append(out, q)
		}
	}
	return out
}

func involves(inv *Inventory, q store.Entity, ids ...int64) bool {
	for _, t := range inv.Targets(q.ID, "involves") {
		for _, id := range ids {
			if id != 0 && t.ID == id {
				return true
			}
		}
	}
	return false
}

// contentTokens are the label tokens longer than two characters.
func contentTokens(s string) []string {
	var out []string
	for _, t := range extraction.Tokens(s) {
		if len(t) > 2 {
			out = append(out, t)
		}
	}
	return out
}

func sharedCount(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[t] = true
	}
	n := 0
	seen := make(map[string]bool)
	for _, t := range a {
		if set[t] && !seen[t] {
			seen[t] = true
			n++
		}
	}
	return n
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

// overlaps compares obligation key sets. Two empty sets are identical, so
// ungrounded points for the same role collapse.
func overlaps(a, b []string, threshold float64) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return extraction.Jaccard(a, b) >= threshold
}

// rankDecisionPoints orders by score, collapses near duplicates and caps
// the result.
func rankDecisionPoints(cands []DecisionPoint, limit int, dedupe float64) []DecisionPoint {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
	var out []DecisionPoint
	for _, c := range cands {
		dup := false
		for _, k := range out {
			if sameRole(c.Role, k.Role) && overlaps(refKeys(c.Obligations()), refKeys(k.Obligations()), dedupe) {
				dup = true
				break
			}
		}
		if dup {
			slog.Debug("synthesis: duplicate decision point", "label", c.Label)
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func sameRole(a, b Ref) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	return extraction.NormalizeLabel(a.Label) == extraction.NormalizeLabel(b.Label)
}

func refKeys(rs []Ref) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.ID != 0 {
			out = append(out, strconv.FormatInt(r.ID, 10))
		} else {
			out = append(out, extraction.NormalizeLabel(r.Label))
		}
	}
	return out
}

// DecisionPoints composes decision points for a case. When composition
// yields nothing and the case has obligations and actions, the model
// proposes decision points from the entity inventory instead.
func (s *Synthesizer) DecisionPoints(ctx context.Context, in Input) (*extraction.Result, error) {
	res := &extraction.Result{ExtractionType: TypeDecisionPoint}
	dps := ComposeDecisionPoints(in.Inventory, s.cfg.MaxDecisionPoints, s.cfg.DedupeJaccard)
	if len(dps) == 0 {
		if len(in.Inventory.Of(extraction.TypeObligations)) == 0 && len(in.Inventory.Of(extraction.TypeActions)) == 0 {
			slog.Info("synthesis: nothing to compose decision points from", "case_id", in.CaseID)
			return res, nil
		}
		metrics.DecisionPointFallbacks.Inc()
		slog.Info("synthesis: no algorithmic decision points, asking model", "case_id", in.CaseID)
		var err error
		dps, err = s.generateDecisionPoints(ctx, in, res)
		if err != nil {
			return res, err
		}
	}
	for i, dp := range dps {
		res.Entities = append(res.Entities, document(in.CaseID, TypeDecisionPoint, "proeth:DecisionPoint",
			dp.Label, dp.Focus, dp.Score, dp))
		res.Links = append(res.Links, decisionLinks(i, dp)...)
	}
	slog.Info("synthesis: decision points", "case_id", in.CaseID, "count", len(dps))
	return res, nil
}

func decisionLinks(i int, dp DecisionPoint) []store.PendingLink {
	var out []store.PendingLink
	add := func(id int64, relation string) {
		if id != 0 {
			out = append(out, store.PendingLink{SourceIndex: i, TargetID: id, Relation: relation, Weight: 1})
		}
	}
	add(dp.Role.ID, "involves_role")
	for _, o := range dp.Options {
		add(o.ActionID, "option")
	}
	for _, r := range dp.Obligations() {
		add(r.ID, "weighs")
	}
	for _, r := range dp.Principles {
		add(r.ID, "grounded_in")
	}
	for _, r := range dp.Provisions {
		add(r.ID, "cites")
	}
	for _, r := range dp.Questions {
		add(r.ID, "addresses")
	}
	return out
}

type generatedDecision struct {
	Label       string         `json:"label"`
	Focus       string         `json:"focus"`
	Role        string         `json:"role"`
	Options     []string       `json:"options"`
	Obligations []string       `json:"obligations"`
	Principles  []string       `json:"principles"`
	Questions   []string       `json:"questions"`
	Intensity   MoralIntensity `json:"moral_intensity"`
}

func (s *Synthesizer) generateDecisionPoints(ctx context.Context, in Input, res *extraction.Result) ([]DecisionPoint, error) {
	inv := in.Inventory
	prompt := decisionPrompt(inv, s.cfg.MaxDecisionPoints)
	var out struct {
		DecisionPoints []generatedDecision `json:"decision_points"`
	}
	if err := s.ask(ctx, in, TypeDecisionPoint, prompt, res, &out); err != nil {
		return nil, fmt.Errorf("synthesis %s: %w", TypeDecisionPoint, err)
	}

	linker := inv.Linker(extraction.LinkOptions{})
	ground := func(types []string, labels []string) []Ref {
		var out []Ref
		seen := make(map[int64]bool)
		for _, l := range labels {
			r, ok := linker.Resolve(ctx, extraction.LinkField{Targets: types}, l)
			if !ok {
				slog.Info("synthesis: unresolved reference", "value", l, "targets", types)
				continue
			}
			if !seen[r.Entity.ID] {
				seen[r.Entity.ID] = true
				out = append(out, refOf(r.Entity))
			}
		}
		return out
	}

	var dps []DecisionPoint
	for _, g := range out.DecisionPoints {
		dp := DecisionPoint{
			Label:      extraction.CleanLabel(g.Label),
			Focus:      strings.TrimSpace(g.Focus),
			Fulfills:   ground([]string{extraction.TypeObligations}, g.Obligations),
			Principles: ground([]string{extraction.TypePrinciples, extraction.TypeCodeProvisions}, g.Principles),
			Questions:  ground([]string{extraction.TypeEthicalQuestions}, g.Questions),
			Intensity:  g.Intensity,
			Source:     SourceLLM,
		}
		if r := ground([]string{extraction.TypeRoles}, []string{g.Role}); len(r) > 0 {
			dp.Role = r[0]
		} else {
			dp.Role = Ref{Label: strings.TrimSpace(g.Role)}
		}
		seen := make(map[string]bool)
		for _, o := range g.Options {
			o = NormalizeOption(o)
			key := extraction.NormalizeLabel(o)
			if seen[key] {
				continue
			}
			if err := CheckActionPhrase(o); err != nil {
				slog.Info("synthesis: option rejected", "error", err)
				continue
			}
			seen[key] = true
			opt := Option{Label: o}
			if a := ground([]string{extraction.TypeActions}, []string{o}); len(a) > 0 {
				opt.ActionID = a[0].ID
			}
			dp.Options = append(dp.Options, opt)
		}
		if dp.Label == "" || len(dp.Options) < 2 {
			slog.Info("synthesis: generated decision point dropped", "label", g.Label, "options", len(dp.Options))
			continue
		}
		if dp.Focus == "" {
			dp.Focus = dp.Label
		}
		dp.Grounding = grounding(dp.Role.ID != 0, len(dp.Fulfills), len(dp.Principles), len(dp.Questions))
		dp.score()
		dps = append(dps, dp)
	}
	return rankDecisionPoints(dps, s.cfg.MaxDecisionPoints, s.cfg.DedupeJaccard), nil
}

func decisionPrompt(inv *Inventory, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Identify up to %d decision points in this ethics case.\n", limit)
	b.WriteString(`A decision point is a choice a professional role faced between at least two concrete courses of action.
Options must be action phrases such as "report the defect to the client"; never questions, never policies, never phrased with should or must.

Return JSON: {"decision_points": [{"label": "...", "focus": "question the role faced", "role": "role label",
"options": ["...", "..."], "obligations": ["obligation label"], "principles": ["principle or provision label"],
"questions": ["ethical question label"],
"moral_intensity": {"magnitude": 0.0, "social_consensus": 0.0, "probability_of_effect": 0.0,
"temporal_immediacy": 0.0, "proximity": 0.0, "concentration_of_effect": 0.0}}]}
Use the entity labels below exactly.

`)
	for _, t := range []string{
		extraction.TypeRoles, extraction.TypeObligations, extraction.TypePrinciples,
		extraction.TypeActions, extraction.TypeEvents, extraction.TypeEthicalQuestions, extraction.TypeCodeProvisions,
	} {
		labels := inv.Labels(t)
		if len(labels) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", strings.ToUpper(t))
		for _, l := range labels {
			fmt.Fprintf(&b, "- %s\n", l)
		}
		b.WriteString("\n")
	}
	return b.String()
}
