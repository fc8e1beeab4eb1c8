package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/proethica/proethica"
	"github.com/proethica/proethica/parser"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/watch"
)

var (
	ingestForce   bool
	watchProcess  bool
	watchExisting bool

	ingestCmd = &cobra.Command{
		Use:     "ingest [file...]",
		Short:   "Parse case files and store their sections",
		Aliases: []string{"i"},
		Args:    cobra.MinimumNArgs(1),
		RunE:    runIngest,
	}

	watchCmd = &cobra.Command{
		Use:   "watch [directory]",
		Short: "Ingest case files as they appear in a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}

	casesCmd = &cobra.Command{
		Use:   "cases [id]",
		Short: "List cases, or show one case with its extraction state",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCases,
	}
)

func init() {
	ingestCmd.Flags().BoolVarP(&ingestForce, "force", "f", false, "re-parse even when the content is unchanged")
	watchCmd.Flags().BoolVar(&watchProcess, "process", false, "queue the full pipeline for each new case")
	watchCmd.Flags().BoolVar(&watchExisting, "existing", false, "ingest files already in the directory first")
}

func runIngest(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	var opts []proethica.IngestOption
	if ingestForce {
		opts = append(opts, proethica.WithForceReparse())
	}

	var failed int
	for _, path := range args {
		c, err := engine.Ingest(cmd.Context(), path, opts...)
		switch {
		case errors.Is(err, proethica.ErrCaseExists):
			fmt.Printf("%s: unchanged (case %d)\n", path, c.ID)
		case err != nil:
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		default:
			fmt.Printf("%s: case %d %q\n", path, c.ID, c.Title)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watchProcess {
		if err := engine.Start(ctx); err != nil {
			return err
		}
	}

	ingest := func(ctx context.Context, path string) error {
		c, err := engine.Ingest(ctx, path)
		if errors.Is(err, proethica.ErrCaseExists) {
			slog.Info("watch: case unchanged", "path", path, "case_id", c.ID)
			return nil
		}
		if err != nil {
			return err
		}
		slog.Info("watch: case ingested", "path", path, "case_id", c.ID, "title", c.Title)
		if watchProcess {
			run, err := engine.Enqueue(ctx, c.ID, nil)
			if err != nil {
				return err
			}
			slog.Info("watch: pipeline queued", "case_id", c.ID, "run_id", run.ID)
		}
		return nil
	}

	w := watch.New(args[0], parser.NewRegistry().Formats(), ingest)
	if watchExisting {
		if err := w.Existing(ctx); err != nil {
			return err
		}
	}
	return w.Run(ctx)
}

func runCases(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if len(args) == 1 {
		id, err := parseCaseID(args[0])
		if err != nil {
			return err
		}
		d, err := engine.Case(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(d)
		}
		fmt.Printf("Case %d: %s\nStatus: %s\nSections: %d\n", d.ID, d.Title, d.Status, len(d.Sections))
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tDONE")
		for _, st := range orderedSteps(d.Steps) {
			fmt.Fprintf(tw, "%s\t%v\n", st, d.Steps[st])
		}
		fmt.Fprintln(tw, "TYPE\tENTITIES")
		for t, n := range d.EntityCounts {
			fmt.Fprintf(tw, "%s\t%d\n", t, n)
		}
		return tw.Flush()
	}

	cases, err := engine.Cases(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		if cases == nil {
			cases = []store.Case{}
		}
		return printJSON(cases)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNUMBER\tSTATUS\tTITLE")
	for _, c := range cases {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.ID, c.CaseNumber, c.Status, c.Title)
	}
	return tw.Flush()
}

func parseCaseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: case id %q", proethica.ErrInvalidInput, s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
