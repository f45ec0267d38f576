package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the ops HTTP API",
		Long: `Serves health probes, Prometheus metrics and the /v1 crawl control API.
Crawls started over HTTP run in the background; SIGTERM stops them at a
checkpoint before the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return rt.app.Serve(cmd.Context())
		},
	}
}
