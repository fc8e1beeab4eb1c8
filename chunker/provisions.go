package chunker

import (
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// Code of ethics provisions
// ---------------------------------------------------------------------------

// provisionPattern matches NSPE-style code references such as "II.1.a",
// "III.2" or "I.4." anywhere in text.
var provisionPattern = regexp.MustCompile(`\b(I{1,3}|IV)\.(\d{1,2})(?:\.([a-z]))?\b`)

// provisionLinePattern matches a provision reference at the start of a line.
var provisionLinePattern = regexp.MustCompile(`^(?:Section\s+)?(I{1,3}|IV)\.(\d{1,2})(?:\.([a-z]))?\.?(?:\s|$|[-:–])`)

// Provision is a code reference detected in case text.
type Provision struct {
	Code   string // Normalized code, e.g. "II.1.a"
	Text   string // Provision wording when the reference starts a line
	Offset int    // Byte offset of the reference within the input
}

// NormalizeCode canonicalises a provision code: roman numeral upper case,
// sub-clause letter lower case, no trailing period. It returns "" when s
// is not a provision code.
func NormalizeCode(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "Section "), "section ")
	s = strings.TrimSuffix(s, ".")
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return ""
	}
	parts[0] = strings.ToUpper(parts[0])
	if len(parts) == 3 {
		parts[2] = strings.ToLower(parts[2])
	}
	code := strings.Join(parts, ".")
	if m := provisionPattern.FindString(code); m != code {
		return ""
	}
	return code
}

// ProvisionDepth returns the nesting depth of a code: "II.1" is 2,
// "II.1.a" is 3.
func ProvisionDepth(code string) int {
	if code == "" {
		return 0
	}
	return strings.Count(code, ".") + 1
}

// DetectProvisions returns every provision reference in text, in order of
// appearance. A reference that starts a line carries the rest of that
// line as its wording.
func DetectProvisions(text string) []Provision {
	var out []Provision
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lead := len(line) - len(strings.TrimLeft(line, " \t"))
		startLoc := provisionLinePattern.FindStringSubmatchIndex(trimmed)

		for _, loc := range provisionPattern.FindAllStringSubmatchIndex(line, -1) {
			code := line[loc[2]:loc[3]] + "." + line[loc[4]:loc[5]]
			if loc[6] >= 0 {
				code += "." + line[loc[6]:loc[7]]
			}
			p := Provision{Code: code, Offset: offset + loc[0]}
			if startLoc != nil && loc[0]-lead == startLoc[2] {
				rest := strings.TrimSpace(trimmed[startLoc[1]:])
				p.Text = strings.TrimSpace(strings.TrimLeft(rest, "-:– "))
			}
			out = append(out, p)
		}
		offset += len(line) + 1
	}
	return out
}

// ProvisionCodes returns the distinct provision codes in text in order of
// first appearance.
func ProvisionCodes(text string) []string {
	seen := make(map[string]bool)
	var codes []string
	for _, p := range DetectProvisions(text) {
		if !seen[p.Code] {
			seen[p.Code] = true
			codes = append(codes, p.Code)
		}
	}
	return codes
}

// SplitByProvisions splits a references section so that each returned
// string starts with a provision code. Text before the first provision
// (preamble) is returned first when non-empty.
func SplitByProvisions(text string) []string {
	lines := strings.Split(text, "\n")
	var boundaries []int
	offset := 0
	for _, line := range lines {
		if provisionLinePattern.MatchString(strings.TrimSpace(line)) {
			boundaries = append(boundaries, offset)
		}
		offset += len(line) + 1
	}
	if len(boundaries) == 0 {
		return []string{text}
	}

	var parts []string
	for i, b := range boundaries {
		if i == 0 && b > 0 {
			if preamble := strings.TrimSpace(text[:b]); preamble != "" {
				parts = append(parts, preamble)
			}
		}
		end := len(text)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		if part := strings.TrimSpace(text[b:end]); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
