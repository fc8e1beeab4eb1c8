package parser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
)

// TextParser handles plain text and Markdown case files. Markdown may open
// with a YAML front matter block whose title, case_number and year override
// what is detected from the body; other scalar keys land in Metadata.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md", "markdown"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	front, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, fmt.Errorf("front matter in %s: %w", filepath.Base(path), err)
	}
	res := FromText(strings.ToValidUTF8(string(body), "�"), titleFromPath(path))
	applyFrontMatter(res, front)
	return res, nil
}

// splitFrontMatter separates a leading "---" delimited YAML block.
func splitFrontMatter(data []byte) (map[string]any, []byte, error) {
	norm := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(norm, []byte("---\n")) {
		return nil, data, nil
	}
	rest := norm[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, data, nil
	}
	body := rest[end+4:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	front, err := yaml.Parser().Unmarshal(rest[:end])
	if err != nil {
		return nil, nil, err
	}
	return front, body, nil
}

func applyFrontMatter(res *ParseResult, front map[string]any) {
	for k, v := range front {
		s := strings.TrimSpace(fmt.Sprint(v))
		switch k {
		case "title":
			if s != "" {
				res.Title = s
			}
		case "case_number", "case":
			if s != "" {
				res.CaseNumber = s
			}
		case "year":
			if y, err := strconv.Atoi(s); err == nil {
				res.Year = y
			}
		default:
			switch v.(type) {
			case string, int, int64, float64, bool:
				res.Metadata[k] = s
			}
		}
	}
}

func titleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
