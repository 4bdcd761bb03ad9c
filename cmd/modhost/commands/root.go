package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPaths []string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - module host",
		Long: `modhost loads module archives from a directory, admits them through
policies, resolves their dependencies and runs their lifecycle.

Modules are directories or zip archives with a module.json or module.yaml
manifest at the root. Each manifest names the loader type that builds it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "CUE config file or directory (repeatable, unified in order)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newOrderCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
