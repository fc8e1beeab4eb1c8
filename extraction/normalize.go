package extraction

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Candidate is an entity after parsing and scoring, before it is stored.
type Candidate struct {
	Label          string
	Definition     string
	Confidence     float64
	TextReferences []string
	SourceSections []string
	Attributes     map[string]any
}

// Key is the dedupe key of the candidate.
func (c *Candidate) Key() string { return strings.ToLower(c.Label) }

// CleanLabel trims a label and collapses inner whitespace.
func CleanLabel(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeLabel is the comparison form of a label: lowercase, punctuation
// dropped, whitespace collapsed.
func NormalizeLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

var stopWords = map[string]bool{
	"the": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"it": true, "its": true, "their": true, "his": true, "her": true,
	"not": true, "no": true, "if": true, "as": true, "into": true,
}

// IsStopWord reports whether w is a common English function word.
func IsStopWord(w string) bool { return stopWords[strings.ToLower(w)] }

// Tokens returns the distinct content words of s in order.
func Tokens(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(NormalizeLabel(s)) {
		if stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Jaccard is |a ∩ b| / |a ∪ b| over two token sets. Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// Confidence adjustments.
const (
	defaultConfidence = 0.5
	verbatimBonus     = 0.1
	noDefinitionCost  = 0.15
)

// scoreConfidence adjusts a model confidence: absent values default to
// 0.5, a text reference found verbatim in the case text adds 0.1 and an
// empty definition costs 0.15. The result is clamped to [0,1].
func scoreConfidence(raw looseFloat, refs []string, caseText, definition string) float64 {
	c := defaultConfidence
	if raw.Set {
		c = clamp01(raw.Value)
	}
	if hasVerbatim(refs, caseText) {
		c += verbatimBonus
	}
	if strings.TrimSpace(definition) == "" {
		c -= noDefinitionCost
	}
	return clamp01(c)
}

// hasVerbatim reports whether any reference occurs in text, ignoring case
// and whitespace differences. A reference made only of stop words never
// matches.
func hasVerbatim(refs []string, text string) bool {
	if text == "" {
		return false
	}
	hay := strings.ToLower(strings.Join(strings.Fields(text), " "))
	for _, r := range refs {
		needle := strings.ToLower(strings.Join(strings.Fields(strings.Trim(r, `"'“”`)), " "))
		if hasContentWord(needle) && strings.Contains(hay, needle) {
			return true
		}
	}
	return false
}

// maxLabelBytes bounds stored entity labels.
const maxLabelBytes = 300

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimRightFunc(s[:n], unicode.IsSpace)
}

func hasContentWord(s string) bool {
	for _, t := range Tokens(s) {
		if utf8.RuneCountInString(t) > 1 {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// mergeCandidates collapses candidates with the same key. The merged entity
// keeps the highest confidence, the union of references and sections, the
// first non-empty definition and the first value of every attribute.
// Order follows first appearance.
func mergeCandidates(in []Candidate) []Candidate {
	index := make(map[string]int)
	var out []Candidate
	for _, c := range in {
		i, ok := index[c.Key()]
		if !ok {
			index[c.Key()] = len(out)
			if c.Attributes == nil {
				c.Attributes = map[string]any{}
			}
			out = append(out, c)
			continue
		}
		m := &out[i]
		if c.Confidence > m.Confidence {
			m.Confidence = c.Confidence
		}
		if m.Definition == "" {
			m.Definition = c.Definition
		}
		m.TextReferences = union(m.TextReferences, c.TextReferences)
		m.SourceSections = union(m.SourceSections, c.SourceSections)
		for k, v := range c.Attributes {
			if _, exists := m.Attributes[k]; !exists || isEmptyValue(m.Attributes[k]) {
				m.Attributes[k] = v
			}
		}
	}
	return out
}

func union(a, b []string) []string {
	for _, s := range b {
		found := false
		for _, t := range a {
			if t == s {
				found = true
				break
			}
		}
		if !found {
			a = append(a, s)
		}
	}
	return a
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	}
	return false
}
