package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resilient reddit and twitter content harvesting service",
		Long: `harvester runs cancellable content-extraction jobs against reddit and
twitter. Jobs are submitted over a REST API, executed by a rate-limited
worker pool with retries and proxy rotation, and exported as JSON
artifacts whose download URL is recorded on the job.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (optional; HARVESTER_* environment variables apply on top)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResultCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newProxiesCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
