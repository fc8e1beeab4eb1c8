// Package pipeline runs the extraction and synthesis steps of a case in
// dependency order, one extraction session per produced type.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/synthesis"
)

var (
	// ErrStepDependency is returned when a step runs before the steps it
	// depends on have completed for the case.
	ErrStepDependency = errors.New("proethica: step dependency not satisfied")

	// ErrUnknownStep is returned for step names outside the pipeline.
	ErrUnknownStep = errors.New("proethica: unknown pipeline step")
)

// Step is one stage of the pipeline.
type Step struct {
	ID        string   `json:"id"`
	DependsOn []string `json:"depends_on,omitempty"`
	Types     []string `json:"types"`
	Synthesis bool     `json:"synthesis"`
}

var steps = []Step{
	{ID: extraction.StepContextual, Types: extraction.TypesForStep(extraction.StepContextual)},
	{ID: extraction.StepNormative, DependsOn: []string{extraction.StepContextual},
		Types: extraction.TypesForStep(extraction.StepNormative)},
	{ID: extraction.StepTemporal, DependsOn: []string{extraction.StepContextual, extraction.StepNormative},
		Types: extraction.TypesForStep(extraction.StepTemporal)},
	{ID: extraction.StepAnalysis, DependsOn: []string{extraction.StepTemporal},
		Types: extraction.TypesForStep(extraction.StepAnalysis)},
	{ID: synthesis.StepDecisionPoints, DependsOn: []string{extraction.StepAnalysis},
		Types: []string{synthesis.TypeDecisionPoint}, Synthesis: true},
	{ID: synthesis.StepArguments, DependsOn: []string{synthesis.StepDecisionPoints},
		Types: []string{synthesis.TypeArgument, synthesis.TypeArgumentValidation}, Synthesis: true},
	{ID: synthesis.StepNarrative, DependsOn: []string{extraction.StepTemporal},
		Types: []string{synthesis.TypeNarrative}, Synthesis: true},
}

// Complete reports whether any type of the step has a completed session in
// done.
func (s Step) Complete(done map[string]bool) bool {
	for _, t := range s.Types {
		if done[t] {
			return true
		}
	}
	return false
}

// Steps returns every step in topological order.
func Steps() []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// Lookup returns a step by ID.
func Lookup(id string) (Step, bool) {
	for _, s := range steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepIDs returns the IDs of every step in order.
func StepIDs() []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

// Order returns the requested steps in topological order. An empty request
// selects every step. Duplicates are ignored.
func Order(requested []string) ([]Step, error) {
	if len(requested) == 0 {
		return Steps(), nil
	}
	want := make(map[string]bool, len(requested))
	for _, id := range requested {
		if _, ok := Lookup(id); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, id)
		}
		want[id] = true
	}
	var out []Step
	for _, s := range steps {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}

// StepOfType returns the step that produces an extraction type.
func StepOfType(extractionType string) (Step, bool) {
	for _, s := range steps {
		for _, t := range s.Types {
			if t == extractionType {
				return s, true
			}
		}
	}
	return Step{}, false
}
