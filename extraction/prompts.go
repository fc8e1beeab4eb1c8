package extraction

import (
	"fmt"
	"sort"
	"strings"
)

// systemPrompt frames every extraction call. The model must answer with a
// single JSON object.
const systemPrompt = `You are an analyst of professional engineering ethics cases decided by the NSPE Board of Ethical Review.
You extract structured ethical-reasoning entities from case text for an ontology.
Respond with a single JSON object and nothing else.`

// entityPromptTemplate is filled with the class, the type description, the
// attribute list, the known-entity hints and the case text.
const entityPromptTemplate = `Extract %s entities (%s) from the case text below.

WHAT TO EXTRACT:
%s

Return a JSON object with exactly one key:
  "entities" : array of {"label": string, "definition": string, "confidence": number, "text_reference": string, "attributes": object}

ATTRIBUTES (keys of "attributes"):
%s

Rules:
- label is a short, specific name; definition explains the entity in this case in one or two sentences.
- confidence is between 0.0 and 1.0.
- text_reference is a short passage copied verbatim from the case text that supports the entity.
- When an attribute refers to a known entity, use its exact label from KNOWN ENTITIES.
- Only include entities clearly supported by the text. If there are none, return {"entities": []}.
- Do NOT include any text outside the JSON object.

EXAMPLE:
{"entities": [{"label": "Engineer A, structural engineer", "definition": "Licensed engineer retained by the City to inspect the bridge.", "confidence": 0.9, "text_reference": "Engineer A is retained by the City", "attributes": {"role_category": "provider"}}]}
%s
%s`

// buildPrompt assembles the user prompt for one window.
func buildPrompt(spec ConceptSpec, known map[string][]string, w promptWindow) string {
	attrs := "(none)"
	if len(spec.Attributes) > 0 {
		lines := make([]string, len(spec.Attributes))
		for i, a := range spec.Attributes {
			lines[i] = "- " + a
		}
		attrs = strings.Join(lines, "\n")
	}
	return fmt.Sprintf(entityPromptTemplate,
		strings.ReplaceAll(spec.Type, "_", " "), spec.Class,
		spec.Description, attrs, knownSection(known), textSection(w))
}

type promptWindow struct {
	SectionType string
	Heading     string
	Text        string
}

// knownSection lists known labels per type. Types are sorted so prompts
// are stable across runs.
func knownSection(known map[string][]string) string {
	if len(known) == 0 {
		return ""
	}
	types := make([]string, 0, len(known))
	for t := range known {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	b.WriteString("\nKNOWN ENTITIES (reuse these labels exactly):\n")
	for _, t := range types {
		labels := known[t]
		if len(labels) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", t)
		for _, l := range labels {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	return b.String()
}

func textSection(w promptWindow) string {
	if strings.TrimSpace(w.Text) == "" {
		return "\nThere is no case text for this pass; work from the KNOWN ENTITIES only."
	}
	heading := w.Heading
	if heading == "" {
		heading = w.SectionType
	}
	return fmt.Sprintf("\nCASE TEXT (%s):\n%s", heading, w.Text)
}
