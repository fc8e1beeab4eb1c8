package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/proethica/proethica/pipeline"
	"github.com/proethica/proethica/verify"
)

var (
	runSteps  []string
	verifyFix bool

	runCmd = &cobra.Command{
		Use:   "run [case-id]",
		Short: "Run pipeline steps for a case and wait for them",
		Long: `Run executes the requested steps synchronously in dependency order.
Without --step the whole pipeline runs. Steps: ` + strings.Join(pipeline.StepIDs(), ", "),
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify [case-id]",
		Short: "Check extraction quality for one case or all cases",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runVerify,
	}
)

func init() {
	runCmd.Flags().StringSliceVarP(&runSteps, "step", "s", nil, "steps to run (repeatable or comma separated)")
	verifyCmd.Flags().BoolVar(&verifyFix, "fix", false, "queue runs that re-extract the failing steps")
}

func runRun(cmd *cobra.Command, args []string) error {
	caseID, err := parseCaseID(args[0])
	if err != nil {
		return err
	}
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progress := func(p pipeline.Progress) {
		s := p.Session
		if s.Status == pipeline.StatusFailed {
			fmt.Fprintf(os.Stderr, "  %-12s %-28s failed: %s\n", p.Step, s.ExtractionType, s.Error)
			return
		}
		fmt.Fprintf(os.Stderr, "  %-12s %-28s %d entities, %d links\n", p.Step, s.ExtractionType, s.Entities, s.Links)
	}

	start := time.Now()
	results, err := engine.Run(ctx, caseID, runSteps, progress)
	if jsonOutput && results != nil {
		if perr := printJSON(results); perr != nil {
			return perr
		}
	} else {
		for _, r := range results {
			fmt.Printf("%s: %d sessions, %d failed (%s)\n", r.Step, len(r.Sessions), len(r.Failed()), r.Elapsed.Round(time.Millisecond))
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "done in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	var caseID int64
	if len(args) == 1 {
		id, err := parseCaseID(args[0])
		if err != nil {
			return err
		}
		caseID = id
	}
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	reports, err := engine.Verify(cmd.Context(), caseID)
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := printJSON(reports); err != nil {
			return err
		}
	} else {
		printReports(reports)
	}

	if !verifyFix {
		return nil
	}
	runs, err := engine.Fix(cmd.Context(), reports)
	for _, r := range runs {
		fmt.Printf("queued run %s for case %d: %s\n", r.ID, r.CaseID, strings.Join(r.Steps, ", "))
	}
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Println("start `proethica serve` to process the queued runs")
	}
	return nil
}

func printReports(reports []*verify.Report) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CASE\tCHECK\tSEVERITY\tSTEP\tMESSAGE")
	var total int
	for _, r := range reports {
		for _, f := range r.Findings {
			total++
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", f.CaseID, f.Check, f.Severity, f.Step, f.Message)
		}
	}
	tw.Flush()
	fmt.Printf("%d cases checked, %d findings\n", len(reports), total)
}

// orderedSteps returns the keys of done in pipeline order.
func orderedSteps(done map[string]bool) []string {
	var out []string
	for _, id := range pipeline.StepIDs() {
		if _, ok := done[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
