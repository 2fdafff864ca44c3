package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/knowledge-crawler/internal/config"
	"github.com/JakeFAU/knowledge-crawler/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and
// worker pool until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawler API and workers",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}
