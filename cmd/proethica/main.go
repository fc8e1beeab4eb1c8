// Command proethica ingests ethics cases, runs the extraction pipeline and
// serves the review API.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/proethica/proethica"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool

	// cfg and logCloser are set by the root PersistentPreRunE.
	cfg       proethica.Config
	logCloser io.Closer

	rootCmd = &cobra.Command{
		Use:   "proethica",
		Short: "Extract and synthesize ethical reasoning from engineering ethics cases",
		Long: `proethica parses professional ethics cases, extracts roles, obligations,
principles and the rest of the ethical-reasoning model in staged LLM passes,
and synthesizes decision points, arguments and narratives for review.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := proethica.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				c.Log.Level = logLevel
			}
			closer, err := setupLogging(c.Log, os.Stderr)
			if err != nil {
				return err
			}
			cfg, logCloser = c, closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(serveCmd, ingestCmd, watchCmd, runCmd, verifyCmd, exportCmd, searchCmd, casesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openEngine creates an engine from the loaded config.
func openEngine() (proethica.Engine, error) {
	e, err := proethica.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return e, nil
}
