// Package chunker splits case sections into token-bounded windows that fit
// a single extraction prompt.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"unicode"

	"github.com/proethica/proethica/parser"
)

// tokensPerWord is the word-to-token ratio used for estimates.
const tokensPerWord = 1.3

// Config controls the chunking behaviour.
type Config struct {
	MaxTokens int // Maximum estimated tokens per window.
	Overlap   int // Token overlap between consecutive windows.
}

// Chunker converts case sections into prompt-sized windows.
type Chunker struct {
	cfg Config
}

// Window is one slice of a case section sent to the model.
type Window struct {
	Index       int    // Position among all windows of the input
	SectionType string // facts, discussion, questions, ...
	Heading     string
	Text        string
	Tokens      int
	Hash        string   // SHA-256 of Text
	Provisions  []string // Code provisions cited in Text
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 150
	}
	if cfg.Overlap >= cfg.MaxTokens {
		cfg.Overlap = cfg.MaxTokens / 10
	}
	return &Chunker{cfg: cfg}
}

// Sections splits every section into windows. Sections never share a
// window, so each window carries exactly one section type. Identical
// windows are emitted once.
func (c *Chunker) Sections(sections []parser.Section) []Window {
	var out []Window
	seen := make(map[string]bool)
	for _, sec := range sections {
		for _, text := range c.Split(sec.Content) {
			h := contentHash(text)
			if seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, Window{
				Index:       len(out),
				SectionType: sec.Type,
				Heading:     sec.Heading,
				Text:        text,
				Tokens:      EstimateTokens(text),
				Hash:        h,
				Provisions:  ProvisionCodes(text),
			})
		}
	}
	return out
}

// unit is the smallest piece Split packs: a paragraph, or one sentence of
// a paragraph too long for a window.
type unit struct {
	text   string
	tokens int
	// joins says how the unit attaches to the previous one.
	joins string
}

// Split breaks a long text into fragments that each fit within MaxTokens,
// cutting at paragraph and then sentence boundaries. Each fragment after
// the first opens with up to Overlap tokens of the previous one.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if EstimateTokens(text) <= c.cfg.MaxTokens {
		return []string{text}
	}

	var (
		fragments []string
		cur       strings.Builder
		curTokens int
		fresh     int // units added since the last cut
	)
	for _, u := range c.units(text) {
		if fresh > 0 && curTokens+u.tokens > c.cfg.MaxTokens {
			frag := strings.TrimSpace(cur.String())
			fragments = append(fragments, frag)
			cur.Reset()
			curTokens, fresh = 0, 0
			if tail := tailWords(frag, c.cfg.Overlap); tail != "" {
				cur.WriteString(tail)
				curTokens = EstimateTokens(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteString(u.joins)
		}
		cur.WriteString(u.text)
		curTokens += u.tokens
		fresh++
	}
	if fresh > 0 {
		fragments = append(fragments, strings.TrimSpace(cur.String()))
	}
	return fragments
}

// units breaks text into paragraphs, and oversized paragraphs into
// sentences.
func (c *Chunker) units(text string) []unit {
	var out []unit
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if t := EstimateTokens(para); t <= c.cfg.MaxTokens {
			out = append(out, unit{text: para, tokens: t, joins: "\n\n"})
			continue
		}
		for i, s := range SplitSentences(para) {
			joins := " "
			if i == 0 {
				joins = "\n\n"
			}
			out = append(out, unit{text: s, tokens: EstimateTokens(s), joins: joins})
		}
	}
	return out
}

// EstimateTokens approximates the token count of text: tokens ~ words * 1.3.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * tokensPerWord))
}

// SplitSentences splits on a period, question mark or exclamation mark
// followed by whitespace or the end of text. Common abbreviations ("No.",
// "Mr.", "e.g.") and code provisions ("II.1.a.") do not end a sentence.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		candidate := string(runes[start : i+1])
		if r == '.' && endsWithAbbreviation(candidate) {
			continue
		}
		if s := strings.TrimSpace(candidate); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

var abbreviations = map[string]bool{
	"no.": true, "mr.": true, "ms.": true, "mrs.": true, "dr.": true,
	"e.g.": true, "i.e.": true, "vs.": true, "inc.": true, "st.": true,
	"p.e.": true, "sec.": true,
}

func endsWithAbbreviation(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	last := fields[len(fields)-1]
	return abbreviations[strings.ToLower(last)] || NormalizeCode(last) != ""
}

// tailWords returns the trailing words of text worth at most maxTokens.
func tailWords(text string, maxTokens int) string {
	words := strings.Fields(text)
	n := min(int(float64(maxTokens)/tokensPerWord), len(words))
	if n <= 0 {
		return ""
	}
	return strings.Join(words[len(words)-n:], " ")
}

func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
