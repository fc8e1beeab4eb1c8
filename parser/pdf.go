package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// PDFParser reads the text layer of a case PDF. Scanned PDFs without text
// are rejected; there is no OCR fallback.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, doc, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	n := doc.NumPage()
	pages := make([][]string, 0, n)
	skipped := 0
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pg := doc.Page(i)
		if pg.V.IsNull() {
			continue
		}
		text, err := pg.GetPlainText(nil)
		if err != nil {
			skipped++
			slog.Debug("parser: pdf page unreadable", "path", path, "page", i, "error", err)
			continue
		}
		if lines := pageLines(text); len(lines) > 0 {
			pages = append(pages, lines)
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in PDF %s", path)
	}

	title := pdfInfoTitle(doc)
	if title == "" {
		title = titleFromPath(path)
	}
	res := FromText(joinPages(dropRunningHeader(pages)), title)
	res.Metadata["format"] = "pdf"
	res.Metadata["pages"] = strconv.Itoa(n)
	if skipped > 0 {
		res.Metadata["skipped_pages"] = strconv.Itoa(skipped)
	}
	return res, nil
}

// pageLines trims each line and drops trailing footer lines such as "Page 3"
// or a bare page number.
func pageLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		lines = append(lines, strings.TrimSpace(l))
	}
	for len(lines) > 0 {
		last := strings.TrimPrefix(strings.ToLower(lines[len(lines)-1]), "page ")
		if last != "" && !isPageNumber(last) {
			break
		}
		lines = lines[:len(lines)-1]
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	return lines
}

func isPageNumber(s string) bool {
	num, total, paged := strings.Cut(s, " of ")
	if _, err := strconv.Atoi(num); err != nil {
		return false
	}
	if !paged {
		return true
	}
	_, err := strconv.Atoi(total)
	return err == nil
}

// dropRunningHeader removes a first line repeated on every page after the
// first, such as a board name or case banner.
func dropRunningHeader(pages [][]string) [][]string {
	if len(pages) < 3 {
		return pages
	}
	head := pages[1][0]
	for _, pg := range pages[2:] {
		if pg[0] != head {
			return pages
		}
	}
	out := [][]string{pages[0]}
	if pages[0][0] == head && len(pages[0]) > 1 {
		out[0] = pages[0][1:]
	}
	for _, pg := range pages[1:] {
		if len(pg) > 1 {
			out = append(out, pg[1:])
		}
	}
	return out
}

// joinPages concatenates pages, rejoining words hyphenated across a line
// break ("profes-" + "sional").
func joinPages(pages [][]string) string {
	var out []string
	for _, pg := range pages {
		for _, l := range pg {
			if n := len(out); n > 0 && hyphenated(out[n-1]) && startsLower(l) {
				out[n-1] = strings.TrimSuffix(out[n-1], "-") + l
				continue
			}
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func hyphenated(s string) bool {
	return len(s) > 1 && s[len(s)-1] == '-' && unicode.IsLetter(rune(s[len(s)-2]))
}

func startsLower(s string) bool {
	for _, r := range s {
		return unicode.IsLower(r)
	}
	return false
}

func pdfInfoTitle(doc *pdf.Reader) string {
	t := strings.TrimSpace(doc.Trailer().Key("Info").Key("Title").Text())
	// Word exports often leave "Microsoft Word - file.docx" or similar.
	if t == "" || strings.HasPrefix(t, "Microsoft Word") || strings.HasSuffix(strings.ToLower(t), ".docx") {
		return ""
	}
	return t
}
