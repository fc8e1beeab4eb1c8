package synthesis

import (
	"sort"
	"strings"
	"unicode"

	"github.com/proethica/proethica/chunker"
	"github.com/proethica/proethica/extraction"
)

// evidenceMaxLen caps the length of one evidence sentence.
const evidenceMaxLen = 400

// SelectEvidence returns up to n sentences of text with the most
// significant words in common with query, in document order. Sentences
// sharing no significant word are never returned.
func SelectEvidence(text, query string, n int) []string {
	want := significantWords(query)
	if len(want) == 0 || n <= 0 {
		return nil
	}
	type scored struct {
		text  string
		score int
		index int
	}
	var cands []scored
	for i, s := range chunker.SplitSentences(text) {
		overlap := 0
		for w := range significantWords(s) {
			if want[w] {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		if len(s) > evidenceMaxLen {
			s = strings.TrimSpace(s[:evidenceMaxLen]) + "..."
		}
		cands = append(cands, scored{text: s, score: overlap, index: i})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > n {
		cands = cands[:n]
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].index < cands[j].index })
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.text
	}
	return out
}

// significantWords returns the lowercased words of at least four
// characters that are not stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !extraction.IsStopWord(w) {
			words[w] = true
		}
	}
	return words
}

// coverage is the share of the significant words of text found in pool.
func coverage(text string, pool map[string]bool) float64 {
	words := significantWords(text)
	if len(words) == 0 {
		return 0
	}
	hit := 0
	for w := range words {
		if pool[w] {
			hit++
		}
	}
	return float64(hit) / float64(len(words))
}
