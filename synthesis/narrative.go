package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/store"
)

// TimelineEntry is one action or event in case order.
type TimelineEntry struct {
	Sequence int    `json:"sequence,omitempty"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Agent    string `json:"agent,omitempty"`
	EntityID int64  `json:"entity_id"`
}

// Character is a role with the actions it performs.
type Character struct {
	Label      string   `json:"label"`
	Definition string   `json:"definition,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	EntityID   int64    `json:"entity_id"`
}

// Narrative is the story of a case.
type Narrative struct {
	Summary       string          `json:"summary"`
	SummarySource string          `json:"summary_source"`
	Timeline      []TimelineEntry `json:"timeline"`
	Characters    []Character     `json:"characters"`
}

// BuildTimeline orders actions and events by their sequence attribute.
// Unsequenced entries follow the sequenced ones; ties keep extraction
// order.
func BuildTimeline(inv *Inventory) []TimelineEntry {
	var out []TimelineEntry
	for _, t := range []string{extraction.TypeActions, extraction.TypeEvents} {
		kind := strings.TrimSuffix(t, "s")
		for _, e := range inv.Of(t) {
			entry := TimelineEntry{
				Sequence: extraction.AttrInt(inv.Attrs(e.ID), "sequence"),
				Label:    e.Label,
				Kind:     kind,
				EntityID: e.ID,
			}
			if roles := inv.Targets(e.ID, "performed_by"); len(roles) > 0 {
				entry.Agent = roles[0].Label
			} else {
				entry.Agent = extraction.AttrString(inv.Attrs(e.ID), "agent")
			}
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Sequence > 0) != (b.Sequence > 0) {
			return a.Sequence > 0
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.EntityID < b.EntityID
	})
	return out
}

// BuildCharacters lists the roles of a case with the actions they perform.
func BuildCharacters(inv *Inventory) []Character {
	var out []Character
	for _, r := range inv.Of(extraction.TypeRoles) {
		c := Character{Label: r.Label, Definition: r.Definition, EntityID: r.ID}
		for _, a := range inv.Sources(r.ID, "performed_by") {
			c.Actions = append(c.Actions, a.Label)
		}
		out = append(out, c)
	}
	return out
}

// Narrative builds the case timeline and characters and asks the model for
// a short summary. When the call fails the summary is assembled from the
// timeline instead.
func (s *Synthesizer) Narrative(ctx context.Context, in Input) (*extraction.Result, error) {
	res := &extraction.Result{ExtractionType: TypeNarrative}
	n := Narrative{
		Timeline:   BuildTimeline(in.Inventory),
		Characters: BuildCharacters(in.Inventory),
	}
	if len(n.Timeline) == 0 && len(n.Characters) == 0 {
		slog.Info("synthesis: nothing to narrate", "case_id", in.CaseID)
		return res, nil
	}

	var out struct {
		Summary string `json:"summary"`
	}
	err := s.ask(ctx, in, TypeNarrative, narrativePrompt(n, in.Facts), res, &out)
	switch {
	case err == nil && strings.TrimSpace(out.Summary) != "":
		n.Summary, n.SummarySource = strings.TrimSpace(out.Summary), SourceLLM
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		if err != nil {
			slog.Warn("synthesis: narrative summary failed, using timeline", "case_id", in.CaseID, "error", err)
		}
		n.Summary, n.SummarySource = timelineSummary(n), "timeline"
	}

	label := "Case narrative"
	res.Entities = append(res.Entities, document(in.CaseID, TypeNarrative, "proeth:CaseNarrative", label, n.Summary, 1, n))
	for _, c := range n.Characters {
		res.Links = append(res.Links, store.PendingLink{SourceIndex: 0, TargetID: c.EntityID, Relation: "features", Weight: 1})
	}
	for _, t := range n.Timeline {
		res.Links = append(res.Links, store.PendingLink{SourceIndex: 0, TargetID: t.EntityID, Relation: "includes", Weight: 1})
	}
	return res, nil
}

func timelineSummary(n Narrative) string {
	if len(n.Timeline) == 0 {
		var names []string
		for _, c := range n.Characters {
			names = append(names, c.Label)
		}
		return "The case involves " + strings.Join(names, ", ") + "."
	}
	var parts []string
	for _, t := range n.Timeline {
		if t.Agent != "" && t.Kind == "action" {
			parts = append(parts, fmt.Sprintf("%s: %s.", t.Agent, strings.TrimSuffix(t.Label, ".")))
		} else {
			parts = append(parts, strings.TrimSuffix(t.Label, ".")+".")
		}
	}
	return strings.Join(parts, " ")
}

func narrativePrompt(n Narrative, facts string) string {
	var b strings.Builder
	b.WriteString("Write a neutral summary of this ethics case in at most five sentences.\n")
	b.WriteString(`Return JSON: {"summary": "..."}` + "\n\nTIMELINE:\n")
	for i, t := range n.Timeline {
		if t.Agent != "" {
			fmt.Fprintf(&b, "%d. [%s] %s (%s)\n", i+1, t.Kind, t.Label, t.Agent)
		} else {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, t.Kind, t.Label)
		}
	}
	b.WriteString("\nCHARACTERS:\n")
	for _, c := range n.Characters {
		fmt.Fprintf(&b, "- %s\n", c.Label)
	}
	if facts = strings.TrimSpace(facts); facts != "" {
		if len(facts) > 4000 {
			facts = facts[:4000]
		}
		b.WriteString("\nFACTS:\n" + facts + "\n")
	}
	return b.String()
}
