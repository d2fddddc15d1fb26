package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/restadapter/config"
)

// validateCmd validates a config file without starting the adapter.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a restadapter configuration file without starting the adapter.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  restadapter validate -c adapter.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	snap, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	endpoints := 0
	for _, svc := range snap.Services {
		endpoints += len(svc.Endpoints)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Active:    %t\n", snap.Active)
	if snap.Broker != nil {
		fmt.Fprintf(out, "  Broker:    %s:%d\n", snap.Broker.Host, snap.Broker.Port)
	} else {
		fmt.Fprintf(out, "  Broker:    none\n")
	}
	fmt.Fprintf(out, "  Services:  %d\n", len(snap.Services))
	fmt.Fprintf(out, "  Endpoints: %d\n", endpoints)
	return nil
}
