// Package extraction prompts a chat model for ethical-reasoning entities in
// a case, scores and deduplicates them, and grounds the labels they
// reference to entities extracted earlier.
package extraction

import (
	"fmt"
	"slices"
)

// Pipeline steps that produce entities through extraction.
const (
	StepContextual = "contextual"
	StepNormative  = "normative"
	StepTemporal   = "temporal"
	StepAnalysis   = "analysis"
)

// Extraction types.
const (
	TypeRoles                = "roles"
	TypeStates               = "states"
	TypeResources            = "resources"
	TypePrinciples           = "principles"
	TypeObligations          = "obligations"
	TypeConstraints          = "constraints"
	TypeCapabilities         = "capabilities"
	TypeActions              = "actions"
	TypeEvents               = "events"
	TypeCodeProvisions       = "code_provisions"
	TypeEthicalQuestions     = "ethical_questions"
	TypeEthicalConclusions   = "ethical_conclusions"
	TypeCausalNormativeLinks = "causal_normative_links"
	TypeTransformation       = "transformation"
)

// Transformation classifications accepted for a case.
var TransformationTypes = []string{"transfer", "stalemate", "oscillation", "phase_lag"}

// Match selects how a link field value resolves to an entity.
type Match int

const (
	MatchLabel  Match = iota // normalized label, token overlap, then vectors
	MatchCode                // provision code attribute
	MatchNumber              // question number attribute
)

// LinkField names an attribute whose values refer to earlier entities.
type LinkField struct {
	Attribute string
	Relation  string
	Targets   []string
	Match     Match
}

// ConceptSpec describes one extraction type.
type ConceptSpec struct {
	Type        string
	Step        string
	Class       string // ontology class, e.g. proeth:Role
	Description string
	Attributes  []string // expected attribute fields

	// Sections are read in order; Fallback is used when none of them has
	// content. A spec with no sections is prompted with entity context only.
	Sections []string
	Fallback []string

	// Context lists the types whose labels are offered to the model as
	// known entities.
	Context []string
	Links   []LinkField

	// After lists same-step types that must complete first.
	After []string

	// Single keeps only the most confident entity.
	Single bool

	// Validate normalizes a candidate or rejects it with a type-specific
	// error.
	Validate func(c *Candidate) error
}

var (
	factsDiscussion = []string{"facts", "discussion"}

	specs = []ConceptSpec{
		{
			Type:        TypeRoles,
			Step:        StepContextual,
			Class:       "proeth:Role",
			Description: "Professional and stakeholder roles that participants occupy in the case (e.g. \"Engineer A, consulting structural engineer\", \"City building official\", \"Client\"). Use the case's own participant names in the label.",
			Attributes:  []string{"role_category", "participant", "responsibilities"},
			Sections:    factsDiscussion,
		},
		{
			Type:        TypeStates,
			Step:        StepContextual,
			Class:       "proeth:State",
			Description: "Situational conditions that are ethically relevant (e.g. \"Unsafe structural condition\", \"Conflict of interest\", \"Budget pressure\").",
			Attributes:  []string{"state_category", "affects"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles},
			Links: []LinkField{
				{Attribute: "affects", Relation: "affects", Targets: []string{TypeRoles}},
			},
		},
		{
			Type:        TypeResources,
			Step:        StepContextual,
			Class:       "proeth:Resource",
			Description: "Documents, standards, tools and knowledge the participants rely on (e.g. \"Inspection report\", \"State building code\", \"NSPE Code of Ethics\").",
			Attributes:  []string{"resource_category", "used_by"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles},
			Links: []LinkField{
				{Attribute: "used_by", Relation: "used_by", Targets: []string{TypeRoles}},
			},
		},
		{
			Type:        TypePrinciples,
			Step:        StepNormative,
			Class:       "proeth:Principle",
			Description: "Abstract ethical principles at stake (e.g. \"Public safety paramount\", \"Honesty\", \"Faithful agency\").",
			Attributes:  []string{"principle_category", "invoked_by"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles},
			Links: []LinkField{
				{Attribute: "invoked_by", Relation: "invoked_by", Targets: []string{TypeRoles}},
			},
		},
		{
			Type:        TypeObligations,
			Step:        StepNormative,
			Class:       "proeth:Obligation",
			Description: "Concrete duties a role bears in this case (e.g. \"Report the unsafe condition to authorities\"). Set role to the exact label of the role that bears the duty.",
			Attributes:  []string{"role", "obligation_category", "derived_from"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles, TypeStates},
			Links: []LinkField{
				{Attribute: "role", Relation: "applies_to", Targets: []string{TypeRoles}},
			},
		},
		{
			Type:        TypeConstraints,
			Step:        StepNormative,
			Class:       "proeth:Constraint",
			Description: "Limits on what a role may do (legal, contractual, resource or competence limits).",
			Attributes:  []string{"role", "constraint_category"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles, TypeStates, TypeResources},
			Links: []LinkField{
				{Attribute: "role", Relation: "constrains", Targets: []string{TypeRoles}},
			},
		},
		{
			Type:        TypeCapabilities,
			Step:        StepNormative,
			Class:       "proeth:Capability",
			Description: "Competencies or powers a role has or lacks that matter for the ethical question.",
			Attributes:  []string{"role", "capability_category"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles},
			Links: []LinkField{
				{Attribute: "role", Relation: "possessed_by", Targets: []string{TypeRoles}},
			},
		},
		{
			Type:        TypeActions,
			Step:        StepTemporal,
			Class:       "proeth:Action",
			Description: "Volitional choices made by a role. Label each as an action phrase (\"Approve the drawings without review\"). Set agent to the acting role, sequence to its order in the case timeline (1, 2, ...), and alternatives to the other action phrases the agent could have chosen.",
			Attributes:  []string{"agent", "sequence", "alternatives", "intent", "uses"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles, TypeResources, TypeObligations},
			Links: []LinkField{
				{Attribute: "agent", Relation: "performed_by", Targets: []string{TypeRoles}},
				{Attribute: "uses", Relation: "uses", Targets: []string{TypeResources}},
			},
		},
		{
			Type:        TypeEvents,
			Step:        StepTemporal,
			Class:       "proeth:Event",
			Description: "Occurrences that are not choices (discoveries, failures, deadlines). Set sequence to the timeline position and affects to impacted roles.",
			Attributes:  []string{"sequence", "affects", "results_in"},
			Sections:    factsDiscussion,
			Context:     []string{TypeRoles, TypeStates},
			Links: []LinkField{
				{Attribute: "affects", Relation: "affects", Targets: []string{TypeRoles}},
				{Attribute: "results_in", Relation: "results_in", Targets: []string{TypeStates}},
			},
		},
		{
			Type:        TypeCodeProvisions,
			Step:        StepAnalysis,
			Class:       "proeth:CodeProvision",
			Description: "Code of ethics provisions cited by the case. Label is the code followed by a short title; code is the provision code exactly as cited (e.g. \"II.1.a\") and text its wording.",
			Attributes:  []string{"code", "text", "applies_to"},
			Sections:    []string{"references"},
			Fallback:    []string{"discussion"},
			Context:     []string{TypeObligations, TypePrinciples},
			Links: []LinkField{
				{Attribute: "applies_to", Relation: "grounds", Targets: []string{TypeObligations, TypePrinciples}},
			},
			Validate: validateProvision,
		},
		{
			Type:        TypeEthicalQuestions,
			Step:        StepAnalysis,
			Class:       "proeth:EthicalQuestion",
			Description: "Each ethical question the Board considers, as a full question. Set number to its position (1, 2, ...) and provisions to codes it relies on.",
			Attributes:  []string{"number", "provisions", "involves"},
			Sections:    []string{"questions"},
			Fallback:    []string{"discussion"},
			Context:     []string{TypeRoles, TypeActions, TypeCodeProvisions},
			Links: []LinkField{
				{Attribute: "provisions", Relation: "cites", Targets: []string{TypeCodeProvisions}, Match: MatchCode},
				{Attribute: "involves", Relation: "involves", Targets: []string{TypeRoles, TypeActions}},
			},
			After: []string{TypeCodeProvisions},
		},
		{
			Type:        TypeEthicalConclusions,
			Step:        StepAnalysis,
			Class:       "proeth:EthicalConclusion",
			Description: "The Board's conclusions. Set number to its position, answers_question to the number of the question it answers, and provisions to the codes it relies on.",
			Attributes:  []string{"number", "answers_question", "provisions"},
			Sections:    []string{"conclusions"},
			Fallback:    []string{"discussion"},
			Context:     []string{TypeEthicalQuestions, TypeCodeProvisions},
			Links: []LinkField{
				{Attribute: "answers_question", Relation: "answers", Targets: []string{TypeEthicalQuestions}, Match: MatchNumber},
				{Attribute: "provisions", Relation: "cites", Targets: []string{TypeCodeProvisions}, Match: MatchCode},
			},
			After: []string{TypeEthicalQuestions, TypeCodeProvisions},
		},
		{
			Type:        TypeCausalNormativeLinks,
			Step:        StepAnalysis,
			Class:       "proeth:CausalNormativeLink",
			Description: "For each action, the obligations it fulfills or violates, the principles that guide it and the constraints that limit it. Label each entry with the action's exact label.",
			Attributes:  []string{"action", "fulfills", "violates", "guided_by", "constrained_by"},
			Context:     []string{TypeActions, TypeObligations, TypePrinciples, TypeConstraints},
			Links: []LinkField{
				{Attribute: "action", Relation: "concerns", Targets: []string{TypeActions}},
				{Attribute: "fulfills", Relation: "fulfills", Targets: []string{TypeObligations}},
				{Attribute: "violates", Relation: "violates", Targets: []string{TypeObligations}},
				{Attribute: "guided_by", Relation: "guided_by", Targets: []string{TypePrinciples}},
				{Attribute: "constrained_by", Relation: "constrained_by", Targets: []string{TypeConstraints}},
			},
			Validate: fillActionLabel,
		},
		{
			Type:        TypeTransformation,
			Step:        StepAnalysis,
			Class:       "proeth:Transformation",
			Description: "Exactly one entity classifying how the ethical situation transforms: transformation_type is one of transfer (responsibility passes to another party), stalemate (competing obligations stay unresolved), oscillation (the situation moves back and forth between states) or phase_lag (obligations arise after the moment to act). Explain in rationale.",
			Attributes:  []string{"transformation_type", "rationale"},
			Sections:    []string{"facts", "discussion", "conclusions"},
			Context:     []string{TypeActions, TypeEvents, TypeObligations},
			Single:      true,
			Validate:    validateTransformation,
		},
	}

	specIndex = func() map[string]*ConceptSpec {
		m := make(map[string]*ConceptSpec, len(specs))
		for i := range specs {
			m[specs[i].Type] = &specs[i]
		}
		return m
	}()
)

// Specs returns every extraction spec in pipeline order.
func Specs() []ConceptSpec {
	return slices.Clone(specs)
}

// Spec returns the spec of an extraction type.
func Spec(extractionType string) (ConceptSpec, bool) {
	s, ok := specIndex[extractionType]
	if !ok {
		return ConceptSpec{}, false
	}
	return *s, true
}

// TypesForStep returns the extraction types of a step in order.
func TypesForStep(step string) []string {
	var out []string
	for _, s := range specs {
		if s.Step == step {
			out = append(out, s.Type)
		}
	}
	return out
}

// Waves orders the types of a step into groups that can run concurrently.
// A type lands in the first wave after every type in its After list.
func Waves(step string) ([][]string, error) {
	types := TypesForStep(step)
	done := make(map[string]bool)
	var waves [][]string
	for len(done) < len(types) {
		var wave []string
		for _, t := range types {
			if done[t] {
				continue
			}
			ready := true
			for _, dep := range specIndex[t].After {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("extraction: cyclic ordering in step %s", step)
		}
		for _, t := range wave {
			done[t] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
