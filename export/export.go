// Package export writes the extracted entities of a case as an XLSX
// workbook or a JSON-LD graph.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/proethica/proethica/pipeline"
	"github.com/proethica/proethica/store"
)

// Export formats.
const (
	FormatXLSX   = "xlsx"
	FormatJSONLD = "jsonld"
)

// ErrUnknownFormat is returned for export formats other than xlsx and jsonld.
var ErrUnknownFormat = errors.New("proethica: unknown export format")

// Bundle is everything exported for one case.
type Bundle struct {
	Case     store.Case
	Entities []store.Entity
	Links    []store.Link
}

// Types returns the extraction types present, in pipeline order. Types
// outside the pipeline sort last by name.
func (b *Bundle) Types() []string {
	present := make(map[string]bool)
	for _, e := range b.Entities {
		present[e.ExtractionType] = true
	}
	var out []string
	for _, st := range pipeline.Steps() {
		for _, t := range st.Types {
			if present[t] {
				out = append(out, t)
				delete(present, t)
			}
		}
	}
	rest := make([]string, 0, len(present))
	for t := range present {
		rest = append(rest, t)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Of returns the entities of one type in store order.
func (b *Bundle) Of(extractionType string) []store.Entity {
	var out []store.Entity
	for _, e := range b.Entities {
		if e.ExtractionType == extractionType {
			out = append(out, e)
		}
	}
	return out
}

// Exporter reads cases from the store.
type Exporter struct {
	store *store.Store
}

// New creates an exporter.
func New(s *store.Store) *Exporter {
	return &Exporter{store: s}
}

// Load reads a case with its entities and links.
func (x *Exporter) Load(ctx context.Context, caseID int64) (*Bundle, error) {
	c, err := x.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("export: loading case %d: %w", caseID, err)
	}
	entities, err := x.store.ListEntities(ctx, store.EntityFilter{CaseID: caseID})
	if err != nil {
		return nil, fmt.Errorf("export: listing entities: %w", err)
	}
	links, err := x.store.ListLinks(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("export: listing links: %w", err)
	}
	return &Bundle{Case: *c, Entities: entities, Links: links}, nil
}

// Export writes a case in the given format.
func (x *Exporter) Export(ctx context.Context, caseID int64, format string, w io.Writer) error {
	if !slices.Contains(Formats(), format) {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	b, err := x.Load(ctx, caseID)
	if err != nil {
		return err
	}
	if format == FormatXLSX {
		return WriteXLSX(w, b)
	}
	return WriteJSONLD(w, b)
}

// Formats lists the supported export formats.
func Formats() []string {
	return []string{FormatXLSX, FormatJSONLD}
}

// ContentType returns the MIME type of a format.
func ContentType(format string) string {
	if format == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/ld+json"
}
