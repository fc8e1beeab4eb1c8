package chunker

import (
	"strings"
	"testing"

	"github.com/proethica/proethica/parser"
)

// ---------------------------------------------------------------------------
// Window splitting
// ---------------------------------------------------------------------------

func TestSplitShortText(t *testing.T) {
	c := New(Config{MaxTokens: 512, Overlap: 64})
	frags := c.Split("  Engineer A inspected the bridge.  ")
	if len(frags) != 1 || frags[0] != "Engineer A inspected the bridge." {
		t.Fatalf("expected one trimmed fragment, got %q", frags)
	}
	if got := c.Split("   "); got != nil {
		t.Fatalf("expected nil for blank text, got %q", got)
	}
}

func TestSplitLongTextRespectsLimit(t *testing.T) {
	c := New(Config{MaxTokens: 50, Overlap: 10})
	var paras []string
	for i := 0; i < 10; i++ {
		paras = append(paras, strings.Repeat("word ", 20))
	}
	frags := c.Split(strings.Join(paras, "\n\n"))
	if len(frags) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(frags))
	}
	for i, f := range frags {
		// Overlap may push a fragment slightly past the limit.
		if tokens := EstimateTokens(f); tokens > 50+10 {
			t.Errorf("fragment %d has %d tokens", i, tokens)
		}
	}
}

func TestSplitOverlap(t *testing.T) {
	c := New(Config{MaxTokens: 30, Overlap: 5})
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu nu xi omicron pi rho\n\n" +
		"sigma tau upsilon phi chi psi omega one two three four five six seven eight nine ten"
	frags := c.Split(text)
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d: %q", len(frags), frags)
	}
	// 5 tokens of overlap is 3 words.
	if !strings.HasPrefix(frags[1], "omicron pi rho") {
		t.Errorf("second fragment should start with overlap, got %q", frags[1][:20])
	}
}

func TestSplitOversizedParagraphBySentence(t *testing.T) {
	c := New(Config{MaxTokens: 20, Overlap: 4})
	var sents []string
	for i := 0; i < 8; i++ {
		sents = append(sents, "Engineer A reviewed the drawings carefully today.")
	}
	frags := c.Split(strings.Join(sents, " "))
	if len(frags) < 3 {
		t.Fatalf("expected sentence-level split, got %d fragments", len(frags))
	}
	for _, f := range frags {
		if !strings.HasSuffix(f, ".") {
			t.Errorf("fragment should end on a sentence boundary: %q", f)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.cfg.MaxTokens != 1500 || c.cfg.Overlap != 150 {
		t.Fatalf("unexpected defaults %+v", c.cfg)
	}
	c = New(Config{MaxTokens: 100, Overlap: 400})
	if c.cfg.Overlap != 10 {
		t.Fatalf("overlap should be clamped below the window size, got %d", c.cfg.Overlap)
	}
}

func TestSectionsKeepTypes(t *testing.T) {
	c := New(Config{MaxTokens: 512, Overlap: 64})
	wins := c.Sections([]parser.Section{
		{Heading: "Facts", Content: "Engineer A was retained.", Type: parser.TypeFacts},
		{Heading: "Discussion", Content: "The Board considered safety.", Type: parser.TypeDiscussion},
		{Heading: "Duplicate", Content: "Engineer A was retained.", Type: parser.TypeOther},
		{Heading: "Empty", Content: "", Type: parser.TypeOther},
	})
	if len(wins) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(wins))
	}
	if wins[0].SectionType != parser.TypeFacts || wins[1].SectionType != parser.TypeDiscussion {
		t.Errorf("unexpected section types %q %q", wins[0].SectionType, wins[1].SectionType)
	}
	if wins[1].Index != 1 || wins[1].Hash == "" || wins[1].Tokens == 0 {
		t.Errorf("window metadata not filled: %+v", wins[1])
	}
}

func TestSplitSentencesAbbreviations(t *testing.T) {
	got := SplitSentences("See Case No. 24-1 for details. Was it ethical? Yes!")
	want := []string{"See Case No. 24-1 for details.", "Was it ethical?", "Yes!"}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("one two three four five six seven eight nine ten"); got != 13 {
		t.Errorf("EstimateTokens = %d, want 13", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d", got)
	}
}

// ---------------------------------------------------------------------------
// Provisions
// ---------------------------------------------------------------------------

const referencesSection = `NSPE Code of Ethics References
II.1.a - If engineers' judgment is overruled under circumstances that endanger life or property, they shall notify their employer.
III.2.b. Engineers shall not complete, sign, or seal plans that are not in conformity with applicable standards.
Section I.1: Hold paramount the safety, health, and welfare of the public.
See also II.1.a and IV.3.`

func TestDetectProvisions(t *testing.T) {
	provs := DetectProvisions(referencesSection)
	codes := make([]string, len(provs))
	for i, p := range provs {
		codes[i] = p.Code
	}
	want := []string{"II.1.a", "III.2.b", "I.1", "II.1.a", "IV.3"}
	if strings.Join(codes, ",") != strings.Join(want, ",") {
		t.Fatalf("codes = %v, want %v", codes, want)
	}
	if !strings.HasPrefix(provs[0].Text, "If engineers' judgment") {
		t.Errorf("line-leading provision should carry its text, got %q", provs[0].Text)
	}
	if !strings.HasPrefix(provs[2].Text, "Hold paramount") {
		t.Errorf("Section prefix not handled: %q", provs[2].Text)
	}
	if provs[3].Text != "" {
		t.Errorf("inline reference should not carry text, got %q", provs[3].Text)
	}
	if referencesSection[provs[1].Offset:provs[1].Offset+7] != "III.2.b" {
		t.Errorf("offset does not point at the code")
	}
}

func TestProvisionCodesDistinct(t *testing.T) {
	got := ProvisionCodes(referencesSection)
	if strings.Join(got, ",") != "II.1.a,III.2.b,I.1,IV.3" {
		t.Fatalf("unexpected codes %v", got)
	}
}

func TestSplitByProvisions(t *testing.T) {
	parts := SplitByProvisions(referencesSection)
	if len(parts) != 4 {
		t.Fatalf("expected preamble + 3 provisions, got %d: %q", len(parts), parts)
	}
	if parts[0] != "NSPE Code of Ethics References" {
		t.Errorf("unexpected preamble %q", parts[0])
	}
	if !strings.HasPrefix(parts[3], "Section I.1") || !strings.Contains(parts[3], "See also") {
		t.Errorf("last part should run to the end: %q", parts[3])
	}
	if got := SplitByProvisions("no codes here"); len(got) != 1 {
		t.Errorf("expected text unchanged, got %q", got)
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"II.1.a":        "II.1.a",
		"ii.1.A.":       "II.1.a",
		"Section III.2": "III.2",
		"IV.3":          "IV.3",
		"1.2.3":         "",
		"Engineer":      "",
		"II.1.a.b":      "",
	}
	for in, want := range tests {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
	if ProvisionDepth("II.1.a") != 3 || ProvisionDepth("I.1") != 2 || ProvisionDepth("") != 0 {
		t.Error("unexpected provision depth")
	}
}

func TestSplitSentencesKeepsProvisionCodes(t *testing.T) {
	got := SplitSentences("Engineer A cited Section II.1.a. of the Code. The Board agreed.")
	want := []string{"Engineer A cited Section II.1.a. of the Code.", "The Board agreed."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("SplitSentences = %q, want %q", got, want)
	}
}

func TestSectionsRecordProvisions(t *testing.T) {
	c := New(Config{MaxTokens: 512, Overlap: 64})
	wins := c.Sections([]parser.Section{
		{Heading: "Discussion", Type: parser.TypeDiscussion,
			Content: "Under II.1.a engineers hold paramount public safety; see also III.2.b."},
	})
	if len(wins) != 1 {
		t.Fatalf("expected 1 window, got %d", len(wins))
	}
	if strings.Join(wins[0].Provisions, ",") != "II.1.a,III.2.b" {
		t.Errorf("unexpected provisions %v", wins[0].Provisions)
	}
}

func TestSplitNeverEmitsOverlapOnly(t *testing.T) {
	c := New(Config{MaxTokens: 10, Overlap: 5})
	// Each sentence alone is over the limit once overlap is prepended.
	text := "one two three four five six seven. eight nine ten eleven twelve thirteen fourteen."
	for _, f := range c.Split(text) {
		if EstimateTokens(f) <= 5 {
			t.Errorf("fragment holds only overlap: %q", f)
		}
	}
}
