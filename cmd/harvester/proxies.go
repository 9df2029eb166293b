package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/proxypool"
)

// newProxiesCmd creates and configures the 'proxies' subcommand.
func newProxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxies",
		Short: "Loads the configured proxy source and prints pool stats",
		Long: `Loads the proxy file named in the configuration, the same way the
server does at startup, and prints the resulting pool snapshot with
per-proxy health. Useful for validating a proxy list before deploying
it.`,

		RunE: runProxiesCommand,
	}
}

func runProxiesCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Proxies.File == "" {
		return fmt.Errorf("no proxy file configured (set proxies.file or HARVESTER_PROXIES_FILE)")
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	pool := proxypool.New(proxypool.Config{
		Path:             cfg.Proxies.File,
		FailureThreshold: cfg.Proxies.FailureThreshold,
		HealthyRate:      cfg.Proxies.HealthySuccessRate,
		MinObservations:  cfg.Proxies.MinObservations,
	}, logger.Named("proxypool"), system.New())
	if err := pool.Load(); err != nil {
		return fmt.Errorf("load proxy list: %w", err)
	}

	out, err := json.MarshalIndent(pool.Stats(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
