package parser

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleCase = `BER Case No. 24-1
Engineer's Duty to Report

Facts:
Engineer A is retained by the City to inspect a bridge.
Engineer A discovers a structural defect.

Question:
Was it ethical for Engineer A to remain silent?

NSPE Code of Ethics References
II.1.a - Engineers shall hold paramount the safety of the public.

Discussion:
The Board notes that public safety is paramount.

Conclusion:
It was not ethical for Engineer A to remain silent.
`

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistryBuiltInParsers(t *testing.T) {
	reg := NewRegistry()

	formats := []struct {
		format     string
		wantParser string
	}{
		{"txt", "*parser.TextParser"},
		{"md", "*parser.TextParser"},
		{"html", "*parser.HTMLParser"},
		{"htm", "*parser.HTMLParser"},
		{"pdf", "*parser.PDFParser"},
		{"docx", "*parser.DOCXParser"},
	}

	for _, tt := range formats {
		t.Run(tt.format, func(t *testing.T) {
			p, err := reg.Get(tt.format)
			if err != nil {
				t.Fatalf("Get(%q) returned error: %v", tt.format, err)
			}
			supported := p.SupportedFormats()
			found := false
			for _, f := range supported {
				if f == tt.format {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("parser for %q does not list %q in SupportedFormats(): %v",
					tt.format, tt.format, supported)
			}
		})
	}
}

func TestRegistryUnknown(t *testing.T) {
	reg := NewRegistry()
	for _, f := range []string{"xlsx", "pptx", "csv", "rtf", ""} {
		t.Run("format_"+f, func(t *testing.T) {
			if p, err := reg.Get(f); err == nil {
				t.Errorf("Get(%q) expected error for unknown format, got parser: %v", f, p)
			}
		})
	}
}

func TestRegistryCustomParser(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("custom"); err == nil {
		t.Fatal("expected error for unregistered format")
	}
	reg.Register(".Custom", &TextParser{})
	if _, err := reg.Get("custom"); err != nil {
		t.Fatalf("expected custom parser after Register: %v", err)
	}
	if !slices.IsSorted(reg.Formats()) || !slices.Contains(reg.Formats(), "custom") {
		t.Errorf("Formats() = %v", reg.Formats())
	}
	if _, err := reg.Get("xlsx"); !errors.Is(err, ErrNoParser) {
		t.Errorf("Get(xlsx) error = %v, want ErrNoParser", err)
	}
}

func TestFormatOf(t *testing.T) {
	if got := FormatOf("/cases/Case-24-1.HTML"); got != "html" {
		t.Fatalf("expected html, got %q", got)
	}
	if got := FormatOf("noext"); got != "" {
		t.Fatalf("expected empty format, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Section splitting
// ---------------------------------------------------------------------------

func TestClassifyHeading(t *testing.T) {
	tests := []struct {
		heading string
		want    string
	}{
		{"Facts:", TypeFacts},
		{"## Statement of Facts", TypeFacts},
		{"Question", TypeQuestions},
		{"Questions Presented", TypeQuestions},
		{"III. Discussion", TypeDiscussion},
		{"Conclusions:", TypeConclusions},
		{"Board's Conclusion", TypeConclusions},
		{"NSPE Code of Ethics References", TypeReferences},
		{"References", TypeReferences},
		{"Dissenting Opinion", TypeOther},
		{"Engineer's Duty to Report", TypeOther},
		{"", TypeOther},
	}
	for _, tt := range tests {
		if got := ClassifyHeading(tt.heading); got != tt.want {
			t.Errorf("ClassifyHeading(%q) = %q, want %q", tt.heading, got, tt.want)
		}
	}
}

func TestSplitSectionsCase(t *testing.T) {
	secs := SplitSections(sampleCase)

	wantTypes := []string{TypeOther, TypeFacts, TypeQuestions, TypeReferences, TypeDiscussion, TypeConclusions}
	if len(secs) != len(wantTypes) {
		t.Fatalf("expected %d sections, got %d: %+v", len(wantTypes), len(secs), secs)
	}
	for i, want := range wantTypes {
		if secs[i].Type != want {
			t.Errorf("section %d: type %q, want %q (heading %q)", i, secs[i].Type, want, secs[i].Heading)
		}
	}
	if !strings.Contains(secs[1].Content, "structural defect") {
		t.Errorf("facts section missing content: %q", secs[1].Content)
	}
	if !strings.HasPrefix(secs[3].Content, "II.1.a") {
		t.Errorf("references content should start with the provision: %q", secs[3].Content)
	}
}

func TestSplitSectionsInlineHeadings(t *testing.T) {
	text := "Facts: Engineer B designs a dam.\nQuestion 1: Was Engineer B obligated to disclose the risk?\nConclusion: Yes."
	secs := SplitSections(text)
	if len(secs) != 3 {
		t.Fatalf("expected 3 sections, got %d: %+v", len(secs), secs)
	}
	if secs[0].Type != TypeFacts || secs[0].Content != "Engineer B designs a dam." {
		t.Errorf("unexpected facts: %+v", secs[0])
	}
	if secs[1].Type != TypeQuestions || secs[1].Heading != "Question 1" {
		t.Errorf("unexpected question: %+v", secs[1])
	}
	if secs[2].Type != TypeConclusions {
		t.Errorf("unexpected conclusion: %+v", secs[2])
	}
}

func TestSplitSectionsNoHeadingsBecomesFacts(t *testing.T) {
	secs := SplitSections("Engineer C was asked to sign drawings she had not reviewed.\nShe declined.")
	if len(secs) != 1 {
		t.Fatalf("expected a single section, got %d", len(secs))
	}
	if secs[0].Type != TypeFacts {
		t.Errorf("untitled text should be treated as facts, got %q", secs[0].Type)
	}
}

func TestSplitSectionsEmpty(t *testing.T) {
	if secs := SplitSections("   \n\n  "); len(secs) != 0 {
		t.Fatalf("expected no sections, got %+v", secs)
	}
}

func TestExtractCaseMetadata(t *testing.T) {
	tests := []struct {
		text     string
		wantNum  string
		wantYear int
	}{
		{"BER Case No. 24-1", "24-1", 2024},
		{"Case 92-6 concerns", "92-6", 1992},
		{"Board of Ethical Review, 2019 session", "", 2019},
		{"nothing here", "", 0},
	}
	for _, tt := range tests {
		num, year := ExtractCaseMetadata(tt.text)
		if num != tt.wantNum || year != tt.wantYear {
			t.Errorf("ExtractCaseMetadata(%q) = (%q, %d), want (%q, %d)", tt.text, num, year, tt.wantNum, tt.wantYear)
		}
	}
}

func TestFromTextTitle(t *testing.T) {
	res := FromText(sampleCase, "fallback")
	if res.Title != "Engineer's Duty to Report" {
		t.Errorf("unexpected title %q", res.Title)
	}
	if res.CaseNumber != "24-1" || res.Year != 2024 {
		t.Errorf("unexpected metadata %q %d", res.CaseNumber, res.Year)
	}
	if empty := FromText("", "fallback"); empty.Title != "fallback" || len(empty.Sections) != 0 {
		t.Errorf("unexpected empty result %+v", empty)
	}
}

// ---------------------------------------------------------------------------
// Format parsers
// ---------------------------------------------------------------------------

func TestTextParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case-24-1.md")
	if err := os.WriteFile(path, []byte("# Duty to Report\n\n## Facts\nEngineer A inspects a bridge.\n\n## Discussion\nSafety first.\n"), 0644); err != nil {
		t.Fatal(err)
	}
	res, err := NewRegistry().ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if res.Title != "Duty to Report" {
		t.Errorf("unexpected title %q", res.Title)
	}
	if len(res.Sections) != 2 || res.Sections[0].Type != TypeFacts || res.Sections[1].Type != TypeDiscussion {
		t.Fatalf("unexpected sections %+v", res.Sections)
	}
	if res.Sections[0].Level != 2 {
		t.Errorf("expected level 2 heading, got %d", res.Sections[0].Level)
	}
}

func TestTextParserFrontMatter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draft.md")
	doc := "\xef\xbb\xbf---\r\ntitle: Gifts From Contractors\r\ncase_number: \"23-7\"\r\nyear: 2023\r\nboard: BER\r\ntags: [gifts]\r\n---\r\n## Facts\r\nEngineer A accepts a gift.\r\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if res.Title != "Gifts From Contractors" || res.CaseNumber != "23-7" || res.Year != 2023 {
		t.Errorf("front matter not applied: %q %q %d", res.Title, res.CaseNumber, res.Year)
	}
	if res.Metadata["board"] != "BER" {
		t.Errorf("metadata = %v", res.Metadata)
	}
	if _, ok := res.Metadata["tags"]; ok {
		t.Error("non-scalar front matter should be skipped")
	}
	if len(res.Sections) != 1 || res.Sections[0].Type != TypeFacts {
		t.Fatalf("unexpected sections %+v", res.Sections)
	}
}

func TestSplitFrontMatterUnterminated(t *testing.T) {
	in := []byte("---\ntitle: x\nno closing line")
	front, body, err := splitFrontMatter(in)
	if err != nil || front != nil || string(body) != string(in) {
		t.Errorf("got %v %q %v", front, body, err)
	}
}

func TestParseHTML(t *testing.T) {
	doc := `<html><head><title>BER Case 24-1: Duty to Report</title><script>var x = 1;</script></head><body>
<nav>Home | Cases</nav>
<h1>Duty to Report</h1>
<h2>Facts</h2><p>Engineer A is retained by the City.</p>
<h2>Question</h2><p>Was it ethical for Engineer A to remain silent?</p>
<h2>Discussion</h2><p>The Board notes <b>safety</b> is paramount.</p>
<h2>Conclusion</h2><p>It was not ethical.</p>
</body></html>`

	res, err := ParseHTML(strings.NewReader(doc), "fallback")
	if err != nil {
		t.Fatalf("parsing HTML: %v", err)
	}
	if res.Title != "BER Case 24-1: Duty to Report" {
		t.Errorf("unexpected title %q", res.Title)
	}
	if res.CaseNumber != "24-1" {
		t.Errorf("expected case number from title, got %q", res.CaseNumber)
	}
	want := []string{TypeFacts, TypeQuestions, TypeDiscussion, TypeConclusions}
	if len(res.Sections) != len(want) {
		t.Fatalf("expected %d sections, got %+v", len(want), res.Sections)
	}
	for i, w := range want {
		if res.Sections[i].Type != w {
			t.Errorf("section %d type %q, want %q", i, res.Sections[i].Type, w)
		}
	}
	if res.Sections[2].Content != "The Board notes safety is paramount." {
		t.Errorf("inline markup not flattened: %q", res.Sections[2].Content)
	}
	for _, s := range res.Sections {
		if strings.Contains(s.Content, "var x") || strings.Contains(s.Content, "Home") {
			t.Errorf("script or nav leaked into %q", s.Content)
		}
	}
}

func TestDOCXParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("word/document.xml")
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Title"/></w:pPr><w:r><w:t>Conflict of Interest</w:t></w:r></w:p>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Facts</w:t></w:r></w:p>
<w:p><w:r><w:t>Engineer D owns shares in a </w:t></w:r><w:r><w:t>supplier.</w:t></w:r></w:p>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Question</w:t></w:r></w:p>
<w:p><w:r><w:t>Must Engineer D disclose the shares?</w:t></w:r></w:p>
</w:body></w:document>`))
	zw.Close()
	f.Close()

	res, err := (&DOCXParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parsing DOCX: %v", err)
	}
	if res.Title != "Conflict of Interest" {
		t.Errorf("unexpected title %q", res.Title)
	}
	if len(res.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %+v", res.Sections)
	}
	if res.Sections[0].Content != "Engineer D owns shares in a supplier." {
		t.Errorf("runs not joined: %q", res.Sections[0].Content)
	}
	if res.Sections[1].Type != TypeQuestions {
		t.Errorf("expected questions, got %q", res.Sections[1].Type)
	}
}

func TestDOCXTablesAndCoreTitle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload-7.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("word/document.xml")
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Facts</w:t></w:r></w:p>
<w:p><w:r><w:t>Engineer B</w:t></w:r><w:r><w:br/></w:r><w:r><w:t>signed the plans.</w:t></w:r></w:p>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>Date</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Event</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>2019</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Plans sealed</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
</w:body></w:document>`))
	c, _ := zw.Create("docProps/core.xml")
	c.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>Sealing Plans Not Prepared Under Direct Supervision</dc:title></cp:coreProperties>`))
	zw.Close()
	f.Close()

	res, err := (&DOCXParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parsing DOCX: %v", err)
	}
	if res.Title != "Sealing Plans Not Prepared Under Direct Supervision" {
		t.Errorf("unexpected title %q", res.Title)
	}
	if len(res.Sections) == 0 || res.Sections[0].Type != TypeFacts {
		t.Fatalf("expected a facts section, got %+v", res.Sections)
	}
	facts := res.Sections[0].Content
	for _, want := range []string{"Engineer B signed the plans.", "Date | Event", "2019 | Plans sealed"} {
		if !strings.Contains(facts, want) {
			t.Errorf("facts missing %q: %q", want, facts)
		}
	}
}

func TestStyleHeadingLevel(t *testing.T) {
	for style, want := range map[string]int{"title": 1, "heading3": 3, "heading": 1, "normal": 0, "listparagraph": 0} {
		if got := styleHeadingLevel(style); got != want {
			t.Errorf("styleHeadingLevel(%q) = %d, want %d", style, got, want)
		}
	}
}

func TestDOCXMissingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.docx")
	f, _ := os.Create(path)
	zw := zip.NewWriter(f)
	zw.Create("word/styles.xml")
	zw.Close()
	f.Close()
	if _, err := (&DOCXParser{}).Parse(context.Background(), path); err == nil {
		t.Fatal("expected error when document.xml is missing")
	}
}

func TestPageLinesDropsFooters(t *testing.T) {
	got := pageLines("\n  Engineer A acted.\n\nPage 3\n")
	if diff := cmp.Diff([]string{"Engineer A acted."}, got); diff != "" {
		t.Errorf("pageLines (-want +got):\n%s", diff)
	}
	got = pageLines("Section 12\n2 of 7")
	if diff := cmp.Diff([]string{"Section 12"}, got); diff != "" {
		t.Errorf("pageLines (-want +got):\n%s", diff)
	}
	if isPageNumber("12 of seven") {
		t.Error("12 of seven is not a page number")
	}
}

func TestDropRunningHeader(t *testing.T) {
	pages := [][]string{
		{"NSPE Board of Ethical Review", "Case No. 21-4", "Facts:"},
		{"NSPE Board of Ethical Review", "Engineer A was retained."},
		{"NSPE Board of Ethical Review", "Conclusion:"},
	}
	want := [][]string{
		{"Case No. 21-4", "Facts:"},
		{"Engineer A was retained."},
		{"Conclusion:"},
	}
	if diff := cmp.Diff(want, dropRunningHeader(pages)); diff != "" {
		t.Errorf("dropRunningHeader (-want +got):\n%s", diff)
	}

	varied := [][]string{{"a"}, {"b", "x"}, {"c", "y"}}
	if diff := cmp.Diff(varied, dropRunningHeader(varied)); diff != "" {
		t.Errorf("varied first lines changed:\n%s", diff)
	}
}

func TestJoinPagesRejoinsHyphens(t *testing.T) {
	got := joinPages([][]string{{"the profes-"}, {"sional duty", "NSPE Code II.1.a -"}, {"Engineer B"}})
	want := "the professional duty\nNSPE Code II.1.a -\nEngineer B"
	if got != want {
		t.Errorf("joinPages = %q, want %q", got, want)
	}
}
