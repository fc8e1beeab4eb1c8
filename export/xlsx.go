package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/proethica/proethica/extraction"
)

const summarySheet = "Summary"
const linksSheet = "Links"

var entityHeader = []any{"ID", "Label", "Definition", "Confidence", "Reviewed", "Session", "URI", "Attributes"}

// WriteXLSX writes a workbook with a summary sheet, one sheet per extraction
// type and a sheet of links.
func WriteXLSX(w io.Writer, b *Bundle) error {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("export: creating style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("export: naming summary sheet: %w", err)
	}
	summary := [][]any{
		{"Case", b.Case.Title},
		{"Case number", b.Case.CaseNumber},
		{"Source", b.Case.Source},
		{},
		{"Extraction type", "Entities"},
	}
	types := b.Types()
	for _, t := range types {
		summary = append(summary, []any{t, len(b.Of(t))})
	}
	summary = append(summary, []any{"links", len(b.Links)})
	if err := writeRows(f, summarySheet, summary); err != nil {
		return err
	}
	f.SetCellStyle(summarySheet, "A1", "A5", bold)
	f.SetCellStyle(summarySheet, "B5", "B5", bold)

	labels := make(map[int64]string, len(b.Entities))
	for _, e := range b.Entities {
		labels[e.ID] = e.Label
	}

	for _, t := range types {
		sheet := sheetName(t)
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("export: creating sheet %s: %w", sheet, err)
		}
		rows := [][]any{entityHeader}
		for _, e := range b.Of(t) {
			attrs, _ := json.Marshal(extraction.Decode(e).Attributes)
			rows = append(rows, []any{e.ID, e.Label, e.Definition, e.Confidence, e.IsReviewed, e.SessionID, e.URI, string(attrs)})
		}
		if err := writeRows(f, sheet, rows); err != nil {
			return err
		}
		f.SetCellStyle(sheet, "A1", "H1", bold)
		f.SetColWidth(sheet, "B", "C", 40)
	}

	if _, err := f.NewSheet(linksSheet); err != nil {
		return fmt.Errorf("export: creating links sheet: %w", err)
	}
	rows := [][]any{{"Source ID", "Source", "Relation", "Target ID", "Target", "Weight"}}
	for _, l := range b.Links {
		rows = append(rows, []any{l.SourceID, labels[l.SourceID], l.Relation, l.TargetID, labels[l.TargetID], l.Weight})
	}
	if err := writeRows(f, linksSheet, rows); err != nil {
		return err
	}
	f.SetCellStyle(linksSheet, "A1", "F1", bold)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("export: writing workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("export: writing %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// sheetName fits an extraction type into the 31 character sheet name limit.
func sheetName(t string) string {
	if len(t) > 31 {
		return t[:31]
	}
	return t
}
