package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "envalloc",
		Short: "envalloc - test environment allocation orchestrator",
		Long: `envalloc reserves test environments for callers. A caller states what it
needs, envalloc looks the resources up in the catalog, reserves them in the
lease store and hands back a lease token once the environment is held.

Features:
  - Atomic multi-resource reservations on etcd
  - Bounded waiting with backoff and jitter
  - Automatic release of expired reservations
  - Admission policies written in rego
  - Request audit trail in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newSweepCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
