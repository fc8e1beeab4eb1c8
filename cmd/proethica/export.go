package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/proethica/proethica/export"
	"github.com/proethica/proethica/retrieval"
)

var (
	exportFormat string
	exportOutput string

	searchCase  int64
	searchTypes []string
	searchLimit int

	exportCmd = &cobra.Command{
		Use:   "export [case-id]",
		Short: "Export a case as an xlsx workbook or a JSON-LD graph",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}

	searchCmd = &cobra.Command{
		Use:   "search [query]",
		Short: "Search extracted entities across cases",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
)

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", export.FormatJSONLD, "export format: "+strings.Join(export.Formats(), ", "))
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default case-<id>.<format>, - for stdout)")

	searchCmd.Flags().Int64Var(&searchCase, "case", 0, "restrict to one case")
	searchCmd.Flags().StringSliceVarP(&searchTypes, "type", "t", nil, "restrict to extraction types")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
}

func runExport(cmd *cobra.Command, args []string) error {
	caseID, err := parseCaseID(args[0])
	if err != nil {
		return err
	}
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	out := exportOutput
	if out == "" {
		out = fmt.Sprintf("case-%d.%s", caseID, exportFormat)
	}

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}
	if err := engine.Export(cmd.Context(), caseID, exportFormat, w); err != nil {
		if out != "-" {
			os.Remove(out)
		}
		return err
	}
	if out != "-" {
		fmt.Fprintf(os.Stderr, "wrote %s\n", out)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	results, trace, err := engine.Search(cmd.Context(), strings.Join(args, " "), retrieval.Options{
		CaseID: searchCase, Types: searchTypes, MaxResults: searchLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"results": results, "trace": trace})
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tCASE\tTYPE\tLABEL\tMETHODS")
	for _, r := range results {
		fmt.Fprintf(tw, "%.4f\t%d\t%s\t%s\t%s\n", r.Score, r.CaseID, r.ExtractionType, r.Label, strings.Join(r.Methods, ","))
	}
	tw.Flush()
	fmt.Fprintf(os.Stderr, "%d results in %dms (vector %d, text %d, graph %d)\n",
		len(results), trace.ElapsedMs, trace.VecResults, trace.FTSResults, trace.GraphResults)
	return nil
}
