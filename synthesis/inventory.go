// Package synthesis composes extracted entities into decision points,
// Toulmin arguments with their validations, and a case narrative.
package synthesis

import (
	"sort"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/store"
)

// Synthesized types and the steps that produce them.
const (
	TypeDecisionPoint      = "canonical_decision_point"
	TypeArgument           = "argument_generated"
	TypeArgumentValidation = "argument_validation"
	TypeNarrative          = "case_narrative"

	StepDecisionPoints = "decision_points"
	StepArguments      = "arguments"
	StepNarrative      = "narrative"
)

// Inventory indexes the entities and links of one case.
type Inventory struct {
	CaseID int64

	byType map[string][]store.Entity
	byID   map[int64]store.Entity
	docs   map[int64]extraction.Document
	out    map[int64][]store.Link
	in     map[int64][]store.Link
}

// NewInventory indexes entities and links. Entities keep their store order.
func NewInventory(caseID int64, entities []store.Entity, links []store.Link) *Inventory {
	inv := &Inventory{
		CaseID: caseID,
		byType: make(map[string][]store.Entity),
		byID:   make(map[int64]store.Entity, len(entities)),
		docs:   make(map[int64]extraction.Document, len(entities)),
		out:    make(map[int64][]store.Link),
		in:     make(map[int64][]store.Link),
	}
	for _, e := range entities {
		inv.byType[e.ExtractionType] = append(inv.byType[e.ExtractionType], e)
		inv.byID[e.ID] = e
		inv.docs[e.ID] = extraction.Decode(e)
	}
	for _, l := range links {
		inv.out[l.SourceID] = append(inv.out[l.SourceID], l)
		inv.in[l.TargetID] = append(inv.in[l.TargetID], l)
	}
	return inv
}

// Of returns the entities of a type.
func (inv *Inventory) Of(extractionType string) []store.Entity {
	return inv.byType[extractionType]
}

// Entities returns all entities.
func (inv *Inventory) Entities() []store.Entity {
	out := make([]store.Entity, 0, len(inv.byID))
	for _, e := range inv.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns an entity by ID.
func (inv *Inventory) Get(id int64) (store.Entity, bool) {
	e, ok := inv.byID[id]
	return e, ok
}

// Doc returns the decoded document of an entity.
func (inv *Inventory) Doc(id int64) extraction.Document {
	return inv.docs[id]
}

// Attrs returns the attributes of an entity.
func (inv *Inventory) Attrs(id int64) map[string]any {
	if d, ok := inv.docs[id]; ok {
		return d.Attributes
	}
	return map[string]any{}
}

// Targets returns the entities that id links to with relation. An empty
// relation matches every link.
func (inv *Inventory) Targets(id int64, relation string) []store.Entity {
	var out []store.Entity
	for _, l := range inv.out[id] {
		if relation != "" && l.Relation != relation {
			continue
		}
		if e, ok := inv.byID[l.TargetID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Sources returns the entities that link to id with relation.
func (inv *Inventory) Sources(id int64, relation string) []store.Entity {
	var out []store.Entity
	for _, l := range inv.in[id] {
		if relation != "" && l.Relation != relation {
			continue
		}
		if e, ok := inv.byID[l.SourceID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Linker returns an entity linker over the inventory.
func (inv *Inventory) Linker(opts extraction.LinkOptions) *extraction.Linker {
	return extraction.NewLinker(inv.CaseID, inv.Entities(), opts)
}

// Labels returns the labels of the entities of a type.
func (inv *Inventory) Labels(extractionType string) []string {
	var out []string
	for _, e := range inv.byType[extractionType] {
		out = append(out, e.Label)
	}
	return out
}
