package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrNoParser is returned for file formats nothing is registered for.
var ErrNoParser = errors.New("parser: no parser for format")

// Registry maps file extensions to parsers. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Parser
}

// NewRegistry returns a registry with the text, Markdown, HTML, PDF and
// DOCX parsers installed.
func NewRegistry() *Registry {
	r := &Registry{byExt: map[string]Parser{}}
	for _, p := range []Parser{&TextParser{}, &HTMLParser{}, &PDFParser{}, &DOCXParser{}} {
		for _, ext := range p.SupportedFormats() {
			r.Register(ext, p)
		}
	}
	return r
}

// Register installs p for format, replacing any earlier parser. The format
// is matched case-insensitively with or without a leading dot.
func (r *Registry) Register(format string, p Parser) {
	r.mu.Lock()
	r.byExt[normalizeFormat(format)] = p
	r.mu.Unlock()
}

func (r *Registry) Get(format string) (Parser, error) {
	r.mu.RLock()
	p, ok := r.byExt[normalizeFormat(format)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoParser, format)
	}
	return p, nil
}

// Formats lists registered extensions in sorted order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	slices.Sort(out)
	return out
}

// ParseFile parses path with the parser registered for its extension.
func (r *Registry) ParseFile(ctx context.Context, path string) (*ParseResult, error) {
	p, err := r.Get(FormatOf(path))
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, path)
}

// FormatOf returns the lowercase extension of path without the dot.
func FormatOf(path string) string {
	return normalizeFormat(filepath.Ext(path))
}

func normalizeFormat(f string) string {
	return strings.ToLower(strings.TrimPrefix(f, "."))
}
