package synthesis

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/proethica/proethica/chunker"
	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/store"
)

// Check weights of an argument validation.
const (
	weightWarrant = 0.35
	weightData    = 0.25
	weightClaim   = 0.25
	weightRole    = 0.15

	// minDataCoverage is the share of significant data words that must
	// appear in the facts.
	minDataCoverage = 0.5
)

// Validation is the algorithmic assessment of one argument.
type Validation struct {
	Argument        Ref      `json:"argument"`
	WarrantGrounded bool     `json:"warrant_grounded"`
	DataGrounded    bool     `json:"data_grounded"`
	DataCoverage    float64  `json:"data_coverage"`
	ClaimOnOption   bool     `json:"claim_references_option"`
	RoleConsistent  bool     `json:"role_consistent"`
	Score           float64  `json:"score"`
	Issues          []string `json:"issues,omitempty"`
}

// Valid reports whether every check passed.
func (v Validation) Valid() bool { return len(v.Issues) == 0 }

// Summary describes the failed checks.
func (v Validation) Summary() string {
	if v.Valid() {
		return "All validations passed."
	}
	return strings.Join(v.Issues, "; ")
}

func (v *Validation) score() {
	var s float64
	for _, c := range []struct {
		ok     bool
		weight float64
	}{
		{v.WarrantGrounded, weightWarrant},
		{v.DataGrounded, weightData},
		{v.ClaimOnOption, weightClaim},
		{v.RoleConsistent, weightRole},
	} {
		if c.ok {
			s += c.weight
		}
	}
	v.Score = s
}

// ValidateArgument runs the grounding checks on one argument. facts are
// the significant words of the case facts; dp is the decision point the
// argument addresses.
func ValidateArgument(inv *Inventory, arg Argument, dp DecisionPoint, facts map[string]bool) Validation {
	v := Validation{}
	validateWarrant(inv, arg, dp, &v)
	validateData(arg, facts, &v)
	validateClaim(arg, &v)
	validateRole(inv, arg, dp, &v)
	v.score()
	return v
}

// validateWarrant checks that the warrant rests on an obligation, principle
// or provision of the case.
func validateWarrant(inv *Inventory, arg Argument, dp DecisionPoint, v *Validation) {
	if arg.WarrantID != 0 {
		if e, ok := inv.Get(arg.WarrantID); ok && isWarrantType(e.ExtractionType) {
			v.WarrantGrounded = true
			return
		}
	}
	text := extraction.NormalizeLabel(arg.Warrant + " " + arg.Backing)
	grounds := append(append(dp.Obligations(), dp.Principles...), dp.Provisions...)
	for _, r := range grounds {
		if n := extraction.NormalizeLabel(r.Label); n != "" && strings.Contains(text, n) {
			v.WarrantGrounded = true
			return
		}
	}
	for _, code := range chunker.ProvisionCodes(arg.Warrant + " " + arg.Backing + " " + arg.WarrantSource) {
		for _, p := range inv.Of(extraction.TypeCodeProvisions) {
			if chunker.NormalizeCode(extraction.AttrString(inv.Attrs(p.ID), "code")) == code {
				v.WarrantGrounded = true
				return
			}
		}
	}
	v.Issues = append(v.Issues, "warrant is not grounded in an obligation, principle or provision")
}

func isWarrantType(t string) bool {
	for _, w := range warrantTargets {
		if t == w {
			return true
		}
	}
	return false
}

// validateData checks that the data draws on the case facts.
func validateData(arg Argument, facts map[string]bool, v *Validation) {
	data := arg.Data
	if strings.TrimSpace(data) == "" {
		v.Issues = append(v.Issues, "argument has no data")
		return
	}
	v.DataCoverage = coverage(data, facts)
	if v.DataCoverage >= minDataCoverage {
		v.DataGrounded = true
		return
	}
	v.Issues = append(v.Issues, fmt.Sprintf("data is weakly grounded in the facts (%.0f%% coverage)", v.DataCoverage*100))
}

// validateClaim checks that the claim is about the option it argues.
func validateClaim(arg Argument, v *Validation) {
	claim := significantWords(arg.Claim)
	option := significantWords(arg.Option)
	if len(option) == 0 {
		v.ClaimOnOption = strings.TrimSpace(arg.Claim) != ""
	} else {
		hit := 0
		for w := range option {
			if claim[w] {
				hit++
			}
		}
		v.ClaimOnOption = hit > 0 && float64(hit)/float64(len(option)) >= 0.3
	}
	if !v.ClaimOnOption {
		v.Issues = append(v.Issues, "claim does not reference the option")
	}
}

// validateRole checks that the argument names the acting role of its
// decision point, and that the role exists in the case.
func validateRole(inv *Inventory, arg Argument, dp DecisionPoint, v *Validation) {
	if dp.Role.Label == "" {
		v.RoleConsistent = true
		return
	}
	if arg.Role != "" && !sameRole(Ref{Label: arg.Role}, Ref{Label: dp.Role.Label}) {
		v.Issues = append(v.Issues, fmt.Sprintf("argument role %q differs from decision point role %q", arg.Role, dp.Role.Label))
		return
	}
	if dp.Role.ID != 0 {
		if _, ok := inv.Get(dp.Role.ID); !ok {
			v.Issues = append(v.Issues, fmt.Sprintf("role %q is no longer in the case", dp.Role.Label))
			return
		}
	}
	v.RoleConsistent = true
}

// DecodeValidation reads a stored argument validation entity.
func DecodeValidation(e store.Entity) (Validation, error) {
	var v Validation
	if err := fromAttributes(e, &v); err != nil {
		return v, fmt.Errorf("decode validation %d: %w", e.ID, err)
	}
	return v, nil
}

// Validations validates every stored argument. It makes no model calls and
// yields exactly one validation per argument.
func (s *Synthesizer) Validations(in Input) *extraction.Result {
	res := &extraction.Result{ExtractionType: TypeArgumentValidation}
	inv := in.Inventory
	facts := significantWords(in.Facts)
	for _, e := range inv.Of(TypeArgument) {
		arg, err := DecodeArgument(e)
		if err != nil {
			slog.Warn("synthesis: undecodable argument", "id", e.ID, "error", err)
		}
		var dp DecisionPoint
		if de, ok := inv.Get(arg.DecisionPoint.ID); ok {
			dp, _ = DecodeDecisionPoint(de)
		}
		v := ValidateArgument(inv, arg, dp, facts)
		if err != nil {
			v.Issues = append(v.Issues, "argument payload is unreadable")
			v.Score = 0
		}
		v.Argument = Ref{ID: e.ID, Label: e.Label}
		res.Links = append(res.Links, store.PendingLink{
			SourceIndex: len(res.Entities), TargetID: e.ID, Relation: "validates", Weight: v.Score,
		})
		res.Entities = append(res.Entities, document(in.CaseID, TypeArgumentValidation, "proeth:ArgumentValidation",
			"Validation of "+e.Label, v.Summary(), v.Score, v))
	}
	slog.Info("synthesis: argument validations", "case_id", in.CaseID, "count", len(res.Entities))
	return res
}
