package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

// Parse reads word/document.xml. Heading-styled paragraphs become Markdown
// headings so the shared section splitter sees them; table rows become
// pipe-separated lines. The core properties title, when set, is preferred
// over the file name as fallback title.
func (p *DOCXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}
	doc, ok := files["word/document.xml"]
	if !ok {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := doc.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	text, err := docxText(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}

	title := titleFromPath(path)
	if core, ok := files["docProps/core.xml"]; ok {
		if t := docxCoreTitle(core); t != "" {
			title = t
		}
	}
	return FromText(text, title), nil
}

// docxText walks the WordprocessingML token stream.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		out     strings.Builder
		para    strings.Builder
		style   string
		inText  bool
		cells   []string
		inTable int
	)
	flush := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			style = ""
			return
		}
		if inTable > 0 {
			cells = append(cells, text)
			style = ""
			return
		}
		if level := styleHeadingLevel(style); level > 0 {
			out.WriteString(strings.Repeat("#", level) + " ")
		}
		out.WriteString(text)
		out.WriteString("\n")
		style = ""
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				inTable++
			case "tr":
				cells = cells[:0]
			case "pStyle":
				style = strings.ToLower(attr(t, "val"))
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte(' ')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			case "tr":
				if len(cells) > 0 {
					out.WriteString(strings.Join(cells, " | "))
					out.WriteString("\n")
				}
			case "tbl":
				inTable--
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return out.String(), nil
}

// styleHeadingLevel maps Heading1..Heading6 and Title styles to Markdown levels.
// Other styles return 0.
func styleHeadingLevel(style string) int {
	switch {
	case strings.HasPrefix(style, "title"):
		return 1
	case strings.HasPrefix(style, "heading"):
		n := strings.TrimPrefix(style, "heading")
		if len(n) == 1 && n[0] >= '1' && n[0] <= '6' {
			return int(n[0] - '0')
		}
		return 1
	}
	return 0
}

func attr(e xml.StartElement, local string) string {
	for _, a := range e.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// docxCoreTitle returns dc:title from docProps/core.xml.
func docxCoreTitle(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()
	var core struct {
		Title string `xml:"title"`
	}
	if err := xml.NewDecoder(rc).Decode(&core); err != nil {
		return ""
	}
	return strings.TrimSpace(core.Title)
}
