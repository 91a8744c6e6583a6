package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the harvester HTTP service",
		Long: `Starts the command channel over HTTP, the worker scheduler and the
notification hub, and blocks until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
