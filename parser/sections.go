package parser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// headingKeywords maps normalized heading prefixes to section types. Order
// matters: the first matching prefix wins.
var headingKeywords = []struct {
	prefix string
	typ    string
}{
	{"facts", TypeFacts},
	{"statement of facts", TypeFacts},
	{"summary of facts", TypeFacts},
	{"background", TypeFacts},
	{"question", TypeQuestions},
	{"questions presented", TypeQuestions},
	{"discussion", TypeDiscussion},
	{"analysis", TypeDiscussion},
	{"conclusion", TypeConclusions},
	{"board's conclusion", TypeConclusions},
	{"determination", TypeConclusions},
	{"references", TypeReferences},
	{"nspe code of ethics references", TypeReferences},
	{"code of ethics", TypeReferences},
	{"applicable code provisions", TypeReferences},
	{"cited provisions", TypeReferences},
	{"dissenting opinion", TypeOther},
	{"note", TypeOther},
}

// ClassifyHeading returns the section type for a heading, or TypeOther.
func ClassifyHeading(heading string) string {
	h := normalizeHeading(heading)
	if h == "" {
		return TypeOther
	}
	for _, kw := range headingKeywords {
		if h == kw.prefix || strings.HasPrefix(h, kw.prefix+" ") || strings.HasPrefix(h, kw.prefix+"s") {
			return kw.typ
		}
	}
	return TypeOther
}

// normalizeHeading lowercases and strips markdown markers, numbering and
// trailing punctuation: "## III. Discussion:" -> "discussion".
func normalizeHeading(h string) string {
	h = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(h), "#"))
	h = strings.ToLower(h)
	h = romanOrNumberPrefix.ReplaceAllString(h, "")
	h = strings.TrimRight(h, ":.- ")
	h = strings.ReplaceAll(h, "’", "'")
	return strings.Join(strings.Fields(h), " ")
}

var romanOrNumberPrefix = regexp.MustCompile(`^(?:[ivxlc]+|\d+|[a-z])[.)]\s+`)

// isCaseHeading reports whether a line reads as a section heading in a
// plain-text case.
func isCaseHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > 80 {
		return false
	}
	if strings.HasPrefix(trimmed, "#") {
		return true
	}
	if ClassifyHeading(trimmed) != TypeOther && len(strings.Fields(trimmed)) <= 6 {
		// "Facts:" or "Question" on its own line. Inline content after a
		// colon is handled by inlineHeading.
		body := strings.TrimSuffix(trimmed, ":")
		return !strings.ContainsAny(body, ":?") && !strings.HasSuffix(body, ".")
	}
	// Short all-caps line with letters.
	hasLetter := false
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter && len(trimmed) > 2 && len(strings.Fields(trimmed)) <= 8
}

func headingLevel(line string) int {
	trimmed := strings.TrimSpace(line)
	if n := len(trimmed) - len(strings.TrimLeft(trimmed, "#")); n > 0 {
		return n
	}
	return 1
}

// SplitSections breaks case text into typed sections by heading lines.
// Text before the first heading becomes an untitled section. When no
// section is classified as facts, the leading untitled section is taken
// as the facts.
func SplitSections(text string) []Section {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var (
		sections []Section
		current  strings.Builder
		heading  string
		level    int
	)
	flush := func() {
		content := strings.TrimSpace(current.String())
		if content == "" && heading == "" {
			return
		}
		if content != "" {
			sections = append(sections, Section{
				Heading: strings.TrimSpace(strings.TrimLeft(heading, "# ")),
				Content: content,
				Level:   level,
				Type:    ClassifyHeading(heading),
			})
		}
		current.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isCaseHeading(trimmed) {
			flush()
			heading = trimmed
			level = headingLevel(trimmed)
			continue
		}
		if head, rest, ok := inlineHeading(trimmed); ok {
			flush()
			heading = head
			level = 1
			current.WriteString(rest)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(trimmed)
	}
	flush()

	return promoteFacts(sections)
}

// inlineHeading splits "Facts: text..." into its heading and content when
// the prefix is a known case heading.
func inlineHeading(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 || idx > 40 {
		return "", "", false
	}
	head := line[:idx]
	if ClassifyHeading(head) == TypeOther {
		return "", "", false
	}
	rest := strings.TrimSpace(line[idx+1:])
	if rest == "" {
		return "", "", false
	}
	return head, rest, true
}

func promoteFacts(in []Section) []Section {
	for _, s := range in {
		if s.Type == TypeFacts {
			return in
		}
	}
	for i := range in {
		if in[i].Heading == "" {
			in[i].Type = TypeFacts
			return in
		}
	}
	return in
}

var (
	caseNumberRe = regexp.MustCompile(`(?i)\b(?:BER\s+)?case\s+(?:no\.?|number|#)?\s*(\d{2,4}-\d{1,3})\b`)
	yearRe       = regexp.MustCompile(`\b(19[5-9]\d|20\d\d)\b`)
)

// ExtractCaseMetadata finds the case number and year in the document text.
// The year comes from the case number prefix when it is two digits.
func ExtractCaseMetadata(text string) (caseNumber string, year int) {
	head := text
	if len(head) > 4000 {
		head = head[:4000]
	}
	if m := caseNumberRe.FindStringSubmatch(head); m != nil {
		caseNumber = m[1]
		prefix := strings.SplitN(caseNumber, "-", 2)[0]
		if n, err := strconv.Atoi(prefix); err == nil {
			switch {
			case len(prefix) == 4:
				year = n
			case n >= 50:
				year = 1900 + n
			default:
				year = 2000 + n
			}
		}
	}
	if year == 0 {
		if m := yearRe.FindString(head); m != "" {
			year, _ = strconv.Atoi(m)
		}
	}
	return caseNumber, year
}

// firstLine returns the first non-empty line that is not just a case
// number, used as the title.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if caseNumberRe.MatchString(line) && len(strings.Fields(line)) <= 5 {
			continue
		}
		if line != "" {
			if len(line) > 200 {
				line = line[:200]
			}
			return line
		}
	}
	return ""
}

// FromText builds a ParseResult from raw case text.
func FromText(text, fallbackTitle string) *ParseResult {
	res := &ParseResult{Method: "native", Metadata: map[string]string{}}
	if strings.TrimSpace(text) == "" {
		res.Title = fallbackTitle
		return res
	}
	res.Sections = SplitSections(text)
	res.CaseNumber, res.Year = ExtractCaseMetadata(text)

	res.Title = fallbackTitle
	if len(res.Sections) > 0 && res.Sections[0].Heading == "" {
		if l := firstLine(res.Sections[0].Content); l != "" && len(l) < 120 {
			res.Title = l
		}
	} else if l := firstLine(text); l != "" && ClassifyHeading(l) == TypeOther && len(l) < 120 {
		res.Title = l
	}
	return res
}
