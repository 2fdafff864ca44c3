// Package cmd defines the CLI commands for the knowledge-crawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge-crawler",
		Short: "A polite, topic-scoped web crawler service.",
		Long: `knowledge-crawler accepts crawl jobs over HTTP, fetches pages from an
allow-listed set of domains under rate, resource and robots.txt limits,
and stores extracted text in SQLite for downstream pull/ack sync.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
