package parser

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLParser handles case pages saved as HTML. Headings h1-h6 delimit
// sections; script, style and navigation content is skipped.
type HTMLParser struct{}

func (p *HTMLParser) SupportedFormats() []string { return []string{"html", "htm"} }

func (p *HTMLParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening HTML: %w", err)
	}
	defer f.Close()
	return ParseHTML(f, titleFromPath(path))
}

// ParseHTML converts an HTML document to case sections. Headings are
// rewritten as Markdown headings and run through the text splitter so both
// formats share classification rules.
func ParseHTML(r io.Reader, fallbackTitle string) (*ParseResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	var (
		b     strings.Builder
		title string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Nav, atom.Header, atom.Footer, atom.Noscript:
				return
			case atom.Title:
				title = strings.TrimSpace(nodeText(n))
				return
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				level := int(n.Data[1] - '0')
				text := strings.TrimSpace(nodeText(n))
				if text != "" {
					b.WriteString("\n" + strings.Repeat("#", level) + " " + text + "\n")
				}
				return
			case atom.P, atom.Li, atom.Blockquote, atom.Dd, atom.Dt, atom.Tr:
				text := strings.Join(strings.Fields(nodeText(n)), " ")
				if text != "" {
					b.WriteString(text + "\n")
				}
				return
			case atom.Br:
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode && n.Parent != nil && n.Parent.DataAtom == atom.Body {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text + "\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if title == "" {
		title = fallbackTitle
	}
	res := FromText(b.String(), title)
	if title != fallbackTitle {
		res.Title = title
	}
	if res.CaseNumber == "" {
		if num, year := ExtractCaseMetadata(title); num != "" {
			res.CaseNumber, res.Year = num, year
		}
	}
	res.Metadata["format"] = "html"
	return res, nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
			if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
				b.WriteString(" ")
			}
		}
	}
	walk(n)
	return b.String()
}
