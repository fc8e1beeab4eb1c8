package extraction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/proethica/proethica/store"
)

// OntologyContext is the JSON-LD @context of every stored entity.
const OntologyContext = "https://proethica.org/ontology#"

// Document is the JSON-LD payload stored in rdf_json_ld.
type Document struct {
	Context        string          `json:"@context"`
	ID             string          `json:"@id"`
	Type           string          `json:"@type"`
	Label          string          `json:"label"`
	Definition     string          `json:"definition,omitempty"`
	Confidence     float64         `json:"confidence"`
	TextReferences []string        `json:"text_references,omitempty"`
	SourceSections []string        `json:"source_sections,omitempty"`
	Attributes     map[string]any  `json:"attributes,omitempty"`
	UnresolvedRefs []UnresolvedRef `json:"unresolved_refs,omitempty"`
}

// UnresolvedRef is a link-field value that matched no entity.
type UnresolvedRef struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// EntityURI builds the case-scoped URI of an entity.
func EntityURI(caseID int64, extractionType, label string) string {
	return fmt.Sprintf("https://proethica.org/cases/%d/%s/%s", caseID, extractionType, Slug(label))
}

// Slug lowercases a label and joins its words with hyphens.
func Slug(label string) string {
	s := strings.ReplaceAll(NormalizeLabel(label), " ", "-")
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], "-")
	}
	return s
}

// Encode marshals the document.
func (d Document) Encode() string {
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Entity converts the document into a store row for extractionType.
func (d Document) Entity(caseID int64, extractionType string) store.Entity {
	return store.Entity{
		CaseID:         caseID,
		ExtractionType: extractionType,
		StorageType:    "individual",
		Label:          d.Label,
		URI:            d.ID,
		Definition:     d.Definition,
		JSONLD:         d.Encode(),
		Confidence:     d.Confidence,
	}
}

// Decode reads the document of a stored entity. Column values fill fields
// missing from the JSON.
func Decode(e store.Entity) Document {
	var d Document
	if e.JSONLD != "" {
		if err := json.Unmarshal([]byte(e.JSONLD), &d); err != nil {
			slog.Warn("extraction: corrupt entity document", "entity", e.ID, "type", e.ExtractionType, "error", err)
			d = Document{}
		}
	}
	if d.Label == "" {
		d.Label = e.Label
	}
	if d.Definition == "" {
		d.Definition = e.Definition
	}
	if d.ID == "" {
		d.ID = e.URI
	}
	d.Confidence = e.Confidence
	if d.Attributes == nil {
		d.Attributes = map[string]any{}
	}
	return d
}

// AttrString returns a string attribute. Numbers are formatted; lists
// return their first element.
func AttrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case []any:
		if len(v) > 0 {
			return AttrString(map[string]any{"v": v[0]}, "v")
		}
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}

// AttrStrings returns a list attribute. A single string is split on
// semicolons; empty entries are dropped.
func AttrStrings(attrs map[string]any, key string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := attrs[key].(type) {
	case string:
		for _, part := range strings.Split(v, ";") {
			add(part)
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, item := range v {
			add(AttrString(map[string]any{"v": item}, "v"))
		}
	case float64, int:
		add(AttrString(attrs, key))
	}
	return out
}

// AttrInt returns an integer attribute, parsing strings such as "2" or
// "Question 2". It returns 0 when absent.
func AttrInt(attrs map[string]any, key string) int {
	switch v := attrs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		for _, f := range strings.Fields(v) {
			if n, err := strconv.Atoi(strings.Trim(f, "#.:()")); err == nil {
				return n
			}
		}
	}
	return 0
}

// Attributes returns the attribute map of a stored entity.
func Attributes(e store.Entity) map[string]any {
	return Decode(e).Attributes
}
