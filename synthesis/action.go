package synthesis

import (
	"fmt"
	"strings"
)

var (
	leadingWordBlocklist = map[string]bool{
		// determiners
		"the": true, "a": true, "an": true, "this": true, "that": true, "these": true,
		"those": true, "some": true, "any": true, "each": true, "every": true, "no": true,
		"his": true, "her": true, "their": true, "its": true, "our": true, "my": true, "your": true,
		// pronouns
		"he": true, "she": true, "they": true, "it": true, "we": true, "i": true, "you": true,
		"who": true, "which": true, "whether": true,
		// policy nouns
		"policy": true, "policies": true, "rule": true, "rules": true, "guideline": true,
		"guidelines": true, "procedure": true, "procedures": true, "standard": true,
		"standards": true, "regulation": true, "regulations": true, "requirement": true,
		"requirements": true, "code": true, "principle": true, "obligation": true,
	}
	normativeModals = map[string]bool{"should": true, "must": true, "ought": true, "shall": true}
)

// NormalizeOption trims an option and strips a leading "to ".
func NormalizeOption(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 3 && strings.EqualFold(s[:3], "to ") {
		s = s[3:]
	}
	return s
}

// CheckActionPhrase reports why an option is not an action phrase, or nil.
// After stripping a leading "to " the option must be 2 to 25 words, must not
// end with "?", must not start with a determiner, pronoun or policy noun,
// and must not contain a normative modal.
func CheckActionPhrase(option string) error {
	s := NormalizeOption(option)
	if strings.HasSuffix(s, "?") {
		return fmt.Errorf("option %q is a question", option)
	}
	words := strings.Fields(s)
	if len(words) < 2 || len(words) > 25 {
		return fmt.Errorf("option %q has %d words", option, len(words))
	}
	if first := strings.ToLower(strings.Trim(words[0], `"'“”(),.:;`)); leadingWordBlocklist[first] {
		return fmt.Errorf("option %q starts with %q", option, first)
	}
	for _, w := range words {
		if normativeModals[strings.ToLower(strings.Trim(w, `"'“”(),.:;!`))] {
			return fmt.Errorf("option %q contains a normative modal", option)
		}
	}
	return nil
}

// IsActionPhrase reports whether option passes CheckActionPhrase.
func IsActionPhrase(option string) bool {
	return CheckActionPhrase(option) == nil
}
