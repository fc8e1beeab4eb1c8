package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/proethica/proethica/extraction"
)

// Graph is the JSON-LD document of a case.
type Graph struct {
	Context    map[string]any   `json:"@context"`
	ID         string           `json:"@id"`
	Type       string           `json:"@type"`
	Title      string           `json:"title"`
	CaseNumber string           `json:"case_number,omitempty"`
	Exported   time.Time        `json:"exported_at"`
	Nodes      []map[string]any `json:"@graph"`
}

// CaseURI is the JSON-LD identifier of a case.
func CaseURI(caseID int64) string {
	return fmt.Sprintf("https://proethica.org/cases/%d", caseID)
}

// BuildGraph converts a bundle into a JSON-LD graph. Each entity becomes a
// node carrying its document fields; each link becomes a property of its
// source node whose value lists target references.
func BuildGraph(b *Bundle) Graph {
	uris := make(map[int64]string, len(b.Entities))
	for _, e := range b.Entities {
		uris[e.ID] = extraction.Decode(e).ID
	}

	out := make(map[int64]map[string][]map[string]string)
	for _, l := range b.Links {
		target, ok := uris[l.TargetID]
		if !ok {
			continue
		}
		if out[l.SourceID] == nil {
			out[l.SourceID] = make(map[string][]map[string]string)
		}
		out[l.SourceID][l.Relation] = append(out[l.SourceID][l.Relation], map[string]string{"@id": target})
	}

	g := Graph{
		Context: map[string]any{
			"@vocab": extraction.OntologyContext,
			"proeth": extraction.OntologyContext,
			"rdfs":   "http://www.w3.org/2000/01/rdf-schema#",
			"label":  "rdfs:label",
		},
		ID:         CaseURI(b.Case.ID),
		Type:       "proeth:EthicsCase",
		Title:      b.Case.Title,
		CaseNumber: b.Case.CaseNumber,
		Exported:   time.Now().UTC(),
		Nodes:      make([]map[string]any, 0, len(b.Entities)),
	}
	for _, e := range b.Entities {
		d := extraction.Decode(e)
		node := map[string]any{
			"@id":             d.ID,
			"@type":           d.Type,
			"label":           d.Label,
			"confidence":      d.Confidence,
			"extraction_type": e.ExtractionType,
			"is_reviewed":     e.IsReviewed,
		}
		if d.Definition != "" {
			node["definition"] = d.Definition
		}
		if len(d.TextReferences) > 0 {
			node["text_references"] = d.TextReferences
		}
		if len(d.Attributes) > 0 {
			node["attributes"] = d.Attributes
		}
		for rel, targets := range out[e.ID] {
			node[rel] = targets
		}
		g.Nodes = append(g.Nodes, node)
	}
	return g
}

// WriteJSONLD writes the JSON-LD graph of a case.
func WriteJSONLD(w io.Writer, b *Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(BuildGraph(b)); err != nil {
		return fmt.Errorf("export: encoding JSON-LD: %w", err)
	}
	return nil
}
